package script

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExec(t *testing.T) {
	ctx := context.Background()
	var i Interpreter

	o, err := i.Exec(ctx, nil, `return _.args.x + 1;`, map[string]interface{}{"x": 41})
	if err != nil {
		t.Fatal(err)
	}
	if o.Value != float64(42) {
		t.Fatalf("wanted 42; got %#v", o.Value)
	}
}

func TestExecOut(t *testing.T) {
	ctx := context.Background()
	var i Interpreter

	src := `
_.out("checking");
_.out({"pv": _.args.pv});
return true;
`
	o, err := i.Exec(ctx, nil, src, map[string]interface{}{"pv": "AT1K4:STATE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(o.Out) != 2 {
		t.Fatalf("wanted 2 outputs; got %#v", o.Out)
	}
	m, is := o.Out[1].(map[string]interface{})
	if !is || m["pv"] != "AT1K4:STATE" {
		t.Fatalf("got %#v", o.Out[1])
	}
}

func TestCompileError(t *testing.T) {
	var i Interpreter
	if _, err := i.Compile(context.Background(), `return (;`); err == nil {
		t.Fatal("wanted a compile error")
	}
}

func TestThrow(t *testing.T) {
	var i Interpreter
	if _, err := i.Exec(context.Background(), nil, `throw "no beam";`, nil); err == nil {
		t.Fatal("wanted an error")
	}
}

func TestInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	var i Interpreter
	_, err := i.Exec(ctx, nil, `for (;;) {}`, nil)
	if err == nil {
		t.Fatal("wanted an interruption error")
	}
	if !strings.Contains(err.Error(), InterruptedMessage) {
		t.Fatalf("wanted %q in the error; got %s", InterruptedMessage, err)
	}
}

func TestPrecompiled(t *testing.T) {
	ctx := context.Background()
	var i Interpreter

	p, err := i.Compile(ctx, `return _.args.n * 2;`)
	if err != nil {
		t.Fatal(err)
	}

	for n := 1; n <= 3; n++ {
		o, err := i.Exec(ctx, p, "", map[string]interface{}{"n": n})
		if err != nil {
			t.Fatal(err)
		}
		if o.Value != float64(2*n) {
			t.Fatalf("wanted %d; got %#v", 2*n, o.Value)
		}
	}
}
