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

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig describes a broker that bridges process variables onto
// MQTT topics: readings arrive on BASE/PVNAME (ideally retained) and
// writes go out on BASE/PVNAME/set.
type MQTTConfig struct {
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"client_id"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`

	// BaseTopic defaults to "atef".
	BaseTopic string `yaml:"base_topic" json:"base_topic"`

	// ReadTimeout bounds how long Resolve waits for a first
	// reading.  Defaults to two seconds.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// Quiesce is the disconnection quiescence in milliseconds.
	Quiesce uint `yaml:"quiesce" json:"quiesce"`

	Verbose bool `yaml:"verbose" json:"verbose"`
}

// MQTT is an Environment backed by an MQTT broker.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu     sync.Mutex
	topics map[string]*topicState
}

type topicState struct {
	mu    sync.Mutex
	has   bool
	value interface{}
	at    time.Time
	wait  chan struct{}
}

// NewMQTT builds the client without connecting.
func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "atef"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.Quiesce == 0 {
		cfg.Quiesce = 100
	}

	m := &MQTT{
		cfg:    cfg,
		topics: make(map[string]*topicState),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.Username = cfg.Username
	opts.Password = cfg.Password
	opts.AutoReconnect = true
	opts.SetKeepAlive(10 * time.Second)
	opts.DefaultPublishHandler = func(client mqtt.Client, msg mqtt.Message) {
		m.inHandler(msg)
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %s", err)
	}

	m.client = mqtt.NewClient(opts)

	return m
}

// Connect establishes the broker session.
func (m *MQTT) Connect(ctx context.Context) error {
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	m.logf("connected to %s", m.cfg.Broker)
	return nil
}

// Close terminates the broker session.
func (m *MQTT) Close() {
	m.client.Disconnect(m.cfg.Quiesce)
}

func (m *MQTT) logf(format string, args ...interface{}) {
	if m.cfg.Verbose {
		log.Printf("source.MQTT "+format, args...)
	}
}

// inHandler routes broker messages to their topic states.  Payloads
// are JSON when possible and raw strings otherwise.
func (m *MQTT) inHandler(msg mqtt.Message) {
	var x interface{}
	if err := json.Unmarshal(msg.Payload(), &x); err != nil {
		x = string(msg.Payload())
	}

	m.mu.Lock()
	st, have := m.topics[msg.Topic()]
	m.mu.Unlock()
	if !have {
		m.logf("ignoring message on %s", msg.Topic())
		return
	}

	st.mu.Lock()
	st.has = true
	st.value = x
	st.at = time.Now()
	close(st.wait)
	st.wait = make(chan struct{})
	st.mu.Unlock()
}

func (m *MQTT) topic(pvname string) string {
	return m.cfg.BaseTopic + "/" + pvname
}

// state subscribes to a topic on first use and returns its state.
func (m *MQTT) state(topic string) (*topicState, error) {
	m.mu.Lock()
	st, have := m.topics[topic]
	if !have {
		st = &topicState{wait: make(chan struct{})}
		m.topics[topic] = st
	}
	m.mu.Unlock()
	if have {
		return st, nil
	}

	m.logf("subscribing to %s", topic)
	if token := m.client.Subscribe(topic, 1, nil); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return st, nil
}

// Signal returns the handle for one bridged process variable.
func (m *MQTT) Signal(pvname string) (Signal, error) {
	return &mqttSignal{env: m, pvname: pvname}, nil
}

// Device addresses attributes as PVNAME "DEVICE.ATTR" topics.
func (m *MQTT) Device(name string) (Device, error) {
	return &mqttDevice{env: m, name: name}, nil
}

type mqttDevice struct {
	env  *MQTT
	name string
}

func (d *mqttDevice) Name() string { return d.name }

func (d *mqttDevice) Signal(attr string) (Signal, error) {
	return d.env.Signal(d.name + "." + attr)
}

type mqttSignal struct {
	env    *MQTT
	pvname string
}

func (s *mqttSignal) Name() string { return s.pvname }

func (s *mqttSignal) Resolve(ctx context.Context) (interface{}, error) {
	st, err := s.env.state(s.env.topic(s.pvname))
	if err != nil {
		return nil, &DisconnectedError{Name: s.pvname, Err: err}
	}

	timeout := time.NewTimer(s.env.cfg.ReadTimeout)
	defer timeout.Stop()

	for {
		st.mu.Lock()
		if st.has {
			v := st.value
			st.mu.Unlock()
			return v, nil
		}
		updated := st.wait
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, &DisconnectedError{Name: s.pvname}
		case <-updated:
		}
	}
}

// Sample collects the readings that arrive within the period.  The
// latest known value counts as the first sample.
func (s *mqttSignal) Sample(ctx context.Context, period time.Duration) ([]Sample, error) {
	st, err := s.env.state(s.env.topic(s.pvname))
	if err != nil {
		return nil, &DisconnectedError{Name: s.pvname, Err: err}
	}

	deadline := time.NewTimer(period)
	defer deadline.Stop()

	var samples []Sample
	st.mu.Lock()
	if st.has {
		samples = append(samples, Sample{Time: st.at, Value: st.value})
	}
	updated := st.wait
	st.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return samples, ctx.Err()
		case <-deadline.C:
			if 0 == len(samples) {
				return nil, &DisconnectedError{Name: s.pvname}
			}
			return samples, nil
		case <-updated:
			st.mu.Lock()
			samples = append(samples, Sample{Time: st.at, Value: st.value})
			updated = st.wait
			st.mu.Unlock()
		}
	}
}

func (s *mqttSignal) Set(ctx context.Context, value interface{}) error {
	js, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cannot encode %#v for %s: %w", value, s.pvname, err)
	}
	topic := s.env.topic(s.pvname) + "/set"
	s.env.logf("publishing to %s: %s", topic, js)
	token := s.env.client.Publish(topic, 1, false, js)
	token.Wait()
	return token.Error()
}
