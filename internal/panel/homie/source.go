// Package homie assembles circuit snapshots from the panel's Homie/MQTT
// announcements. Topics follow homie convention:
//
//	{base}/{serial}/{circuit}/$name
//	{base}/{serial}/{circuit}/$properties
//	{base}/{serial}/{circuit}/tabs
//	{base}/{serial}/{circuit}/type
//
// The source keeps the latest assembled snapshot and fires an optional push
// callback whenever a retained attribute set completes, so the orchestrator
// can react without waiting for the poll timer.
package homie

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	panel "panelbridge/internal/panel/domain"
)

// Options configure the source.
type Options struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	BaseTopic string
	Serial    string
}

// Source is an MQTT-backed snapshot source.
type Source struct {
	opts   Options
	log    *zap.Logger
	client mqtt.Client
	onPush func()

	mu       sync.Mutex
	circuits map[string]*circuitState
}

type circuitState struct {
	name       string
	tabs       []int
	deviceType panel.DeviceType
}

// NewSource constructs a source; Connect must be called before Fetch returns
// data.
func NewSource(opts Options, onPush func(), log *zap.Logger) (*Source, error) {
	if opts.Broker == "" {
		return nil, errors.New("homie: empty broker")
	}
	if opts.Serial == "" {
		return nil, errors.New("homie: empty serial")
	}
	if opts.BaseTopic == "" {
		opts.BaseTopic = "homie"
	}
	if opts.ClientID == "" {
		opts.ClientID = "panelbridge"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		opts:     opts,
		log:      log,
		onPush:   onPush,
		circuits: make(map[string]*circuitState),
	}, nil
}

// Connect dials the broker and subscribes to the panel's topic tree.
func (s *Source) Connect() error {
	mqttOpts := mqtt.NewClientOptions().
		AddBroker(s.opts.Broker).
		SetClientID(s.opts.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if s.opts.Username != "" {
		mqttOpts.SetUsername(s.opts.Username)
	}
	if s.opts.Password != "" {
		mqttOpts.SetPassword(s.opts.Password)
	}

	s.client = mqtt.NewClient(mqttOpts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("homie: connect %s: %w", s.opts.Broker, token.Error())
	}

	filter := fmt.Sprintf("%s/%s/+/+", s.opts.BaseTopic, s.opts.Serial)
	token := s.client.Subscribe(filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
		s.handle(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("homie: subscribe %s: %w", filter, token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (s *Source) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *Source) handle(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return
	}
	circuitID := parts[len(parts)-2]
	attribute := parts[len(parts)-1]
	if strings.HasPrefix(circuitID, "$") {
		// Device-level metadata, not a circuit node.
		return
	}

	s.mu.Lock()
	state, ok := s.circuits[circuitID]
	if !ok {
		state = &circuitState{deviceType: panel.DeviceTypeCircuit}
		s.circuits[circuitID] = state
	}
	complete := false
	switch attribute {
	case "$name":
		state.name = string(payload)
	case "tabs":
		state.tabs = parseTabs(string(payload))
		complete = state.name != ""
	case "type":
		if t := panel.DeviceType(payload); t.IsValid() {
			state.deviceType = t
		}
	}
	s.mu.Unlock()

	if complete && s.onPush != nil {
		s.onPush()
	}
}

// parseTabs parses "4" or "29,31" into a tab list.
func parseTabs(value string) []int {
	var tabs []int
	for _, field := range strings.Split(value, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		tab, err := strconv.Atoi(field)
		if err != nil {
			return nil
		}
		tabs = append(tabs, tab)
	}
	return tabs
}

// Fetch assembles the current snapshot from retained attributes.
func (s *Source) Fetch(ctx context.Context) (*panel.Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.circuits) == 0 {
		return nil, errors.New("homie: no circuits discovered yet")
	}
	snap := panel.NewSnapshot(s.opts.Serial, time.Now())
	for id, state := range s.circuits {
		if len(state.tabs) == 0 {
			// Incomplete node; withhold until all attributes arrive.
			continue
		}
		snap.Circuits[id] = panel.Circuit{
			ID:         id,
			Name:       state.name,
			Tabs:       append([]int(nil), state.tabs...),
			DeviceType: state.deviceType,
		}
	}
	if len(snap.Circuits) == 0 {
		return nil, errors.New("homie: no complete circuits yet")
	}
	return snap, nil
}

// Handle feeds one topic/payload pair directly, for tests.
func (s *Source) Handle(topic string, payload []byte) {
	s.handle(topic, payload)
}
