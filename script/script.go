/* Copyright 2026 SLAC National Accelerator Laboratory
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package script executes the ECMAScript sources carried by code
// steps.  The script sees a single binding "_" with its arguments and
// some utilities, and can be interrupted through the context.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/dop251/goja"
)

// InterruptedMessage is the value a cancelled script's error reports.
const InterruptedMessage = "interrupted"

// Interpreter runs code step sources.  The zero value is ready to
// use.
type Interpreter struct {
	// Verbose logs each execution.
	Verbose bool
}

// Outcome is what one execution produced.
type Outcome struct {
	// Value is the script's final value, canonicalized to plain
	// JSON-shaped Go data.
	Value interface{}

	// Out collects everything the script passed to _.out().
	Out []interface{}
}

// Compile parses and compiles source without running it, wrapped the
// same way Exec wraps it, so a broken script is caught at prepare
// time.
func (i *Interpreter) Compile(ctx context.Context, src string) (*goja.Program, error) {
	return goja.Compile("", wrapSource(src), true)
}

func wrapSource(src string) string {
	return "(function(_) {\n" + src + "\n})(_);"
}

// Exec compiles if needed and runs the script with the given
// arguments bound at _.args.  Context cancellation interrupts the
// script promptly.
func (i *Interpreter) Exec(ctx context.Context, p *goja.Program, src string, args map[string]interface{}) (*Outcome, error) {
	if p == nil {
		var err error
		if p, err = i.Compile(ctx, src); err != nil {
			return nil, err
		}
	}

	canonicalArgs, err := canonicalize(args)
	if err != nil {
		return nil, err
	}

	o := &Outcome{}

	env := map[string]interface{}{
		"args": canonicalArgs,
		"out": func(x interface{}) interface{} {
			x, err := canonicalize(x)
			if err != nil {
				panic(err)
			}
			o.Out = append(o.Out, x)
			return x
		},
		"log": func(x interface{}) interface{} {
			js, err := json.Marshal(&x)
			if err != nil {
				panic(err)
			}
			log.Println(string(js))
			return x
		},
	}

	vm := goja.New()
	vm.Set("_", env)

	// Stop the script when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			vm.Interrupt(InterruptedMessage)
		}
	}()

	v, err := func() (v goja.Value, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("script panic: %v", r)
			}
		}()
		return vm.RunProgram(p)
	}()
	if err != nil {
		return nil, err
	}

	x := v.Export()
	if x, err = canonicalize(x); err != nil {
		return nil, err
	}
	o.Value = x

	if i.Verbose {
		log.Printf("script.Exec value %#v out %#v", o.Value, o.Out)
	}

	return o, nil
}

// canonicalize gets a JSON-shaped representation: maps, slices, and
// float64s, with goja's internal types washed out.
func canonicalize(x interface{}) (interface{}, error) {
	if x == nil {
		return nil, nil
	}
	js, err := json.Marshal(&x)
	if err != nil {
		return nil, err
	}
	var y interface{}
	if err = json.Unmarshal(js, &y); err != nil {
		return nil, err
	}
	return y, nil
}
