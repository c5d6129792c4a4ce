package vehicle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"MissionBridge/internal/events"
	"MissionBridge/internal/flightplan"
	"MissionBridge/internal/metrics"
	"MissionBridge/internal/mission"
)

// fakeAutopilot accepts every mission: a MISSION_COUNT is answered with a
// request per item followed by an accepted ack.
type fakeAutopilot struct {
	in   chan mission.Inbound
	stop chan struct{}

	mu   sync.Mutex
	sent []message.Message
}

func newFakeAutopilot(t *testing.T) *fakeAutopilot {
	a := &fakeAutopilot{in: make(chan mission.Inbound, 256), stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				if len(a.in) < 64 {
					a.in <- mission.Inbound{SystemID: 1, ComponentID: 1, Message: &common.MessageHeartbeat{}}
				}
			}
		}
	}()
	t.Cleanup(func() { close(a.stop) })
	return a
}

func (a *fakeAutopilot) Messages() <-chan mission.Inbound { return a.in }

func (a *fakeAutopilot) Send(msg message.Message) error {
	a.mu.Lock()
	a.sent = append(a.sent, msg)
	a.mu.Unlock()

	if count, ok := msg.(*common.MessageMissionCount); ok {
		go func() {
			for seq := uint16(0); seq < count.Count; seq++ {
				a.in <- mission.Inbound{SystemID: 1, ComponentID: 1, Message: &common.MessageMissionRequest{Seq: seq}}
			}
			a.in <- mission.Inbound{SystemID: 1, ComponentID: 1, Message: &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED}}
		}()
	}
	return nil
}

func (a *fakeAutopilot) commands() []common.MAV_CMD {
	a.mu.Lock()
	defer a.mu.Unlock()
	var cmds []common.MAV_CMD
	for _, m := range a.sent {
		if c, ok := m.(*common.MessageCommandLong); ok {
			cmds = append(cmds, c.Command)
		}
	}
	return cmds
}

type fakeReceiver struct {
	msgs chan []byte
}

func (r *fakeReceiver) ReceiveMessages(ctx context.Context, handle func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-r.msgs:
			handle(m)
		}
	}
}

type fakeSender struct {
	sent chan []byte
}

func (s *fakeSender) Send(ctx context.Context, b []byte) error {
	s.sent <- append([]byte(nil), b...)
	return nil
}

type fakePublisher struct {
	events.Noop
	reports chan *mission.Report
}

func (p *fakePublisher) PublishMissionReport(r *mission.Report) error {
	p.reports <- r
	return nil
}

func counter(name string) int64 {
	return metrics.Global.GetSnapshot()[name].(int64)
}

func startAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not stop")
		}
	})
}

var twoPoints = []flightplan.Coordinate{
	{Lat: 47.39, Lon: 8.54, Alt: 15},
	{Lat: 47.40, Lon: 8.55, Alt: 25},
}

func TestAgentUploadsReceivedPlan(t *testing.T) {
	fc := newFakeAutopilot(t)
	recv := &fakeReceiver{msgs: make(chan []byte, 4)}
	pub := &fakePublisher{reports: make(chan *mission.Report, 4)}
	received := counter("plans_received")

	startAgent(t, NewAgent(fc, recv, nil, pub, Options{}))
	recv.msgs <- flightplan.Encode(flightplan.New(twoPoints, nil))

	select {
	case report := <-pub.reports:
		if report.Outcome != mission.OutcomeAccepted {
			t.Errorf("Expected accepted mission, got %s", report.OutcomeName)
		}
		if report.Points != 2 || report.ItemsServed != 3 {
			t.Errorf("Unexpected report: %+v", report)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no mission report")
	}

	if got := counter("plans_received"); got != received+1 {
		t.Errorf("Expected plans_received to grow by 1, got %d -> %d", received, got)
	}
	cmds := fc.commands()
	if len(cmds) != 1 || cmds[0] != common.MAV_CMD_MISSION_START {
		t.Errorf("Expected a single MISSION_START, got %v", cmds)
	}
}

func TestAgentDropsUndecodableMessages(t *testing.T) {
	fc := newFakeAutopilot(t)
	recv := &fakeReceiver{msgs: make(chan []byte, 4)}
	pub := &fakePublisher{reports: make(chan *mission.Report, 4)}
	decodeErrors := counter("decode_errors")

	startAgent(t, NewAgent(fc, recv, nil, pub, Options{}))
	recv.msgs <- []byte{1, 2, 3}
	recv.msgs <- flightplan.Encode(flightplan.NewImage([]byte("not a mission")))

	select {
	case r := <-pub.reports:
		t.Fatalf("Expected no upload, got %+v", r)
	case <-time.After(200 * time.Millisecond):
	}
	if got := counter("decode_errors"); got != decodeErrors+1 {
		t.Errorf("Expected one decode error, got %d -> %d", decodeErrors, got)
	}
}

func TestEnqueueReplacesWaitingPlan(t *testing.T) {
	a := NewAgent(newFakeAutopilot(t), &fakeReceiver{}, nil, nil, Options{})

	first := flightplan.New(twoPoints[:1], nil)
	second := flightplan.New(twoPoints, nil)
	a.enqueue(first)
	a.enqueue(second)

	if got := <-a.pending; got != second {
		t.Errorf("Expected newest plan, got %v", got)
	}
	if len(a.pending) != 0 {
		t.Errorf("Expected empty slot, got %d", len(a.pending))
	}
}

func TestAgentSendsImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drone.png")
	if err := os.WriteFile(path, []byte("snapshot"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	sender := &fakeSender{sent: make(chan []byte, 16)}
	a := NewAgent(newFakeAutopilot(t), &fakeReceiver{}, sender, nil, Options{
		ImageFile:     path,
		ImageInterval: 20 * time.Millisecond,
	})
	startAgent(t, a)

	select {
	case msg := <-sender.sent:
		plan, err := flightplan.Decode(msg)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if plan.PointCount() != 0 || string(plan.Image()) != "snapshot" {
			t.Errorf("Unexpected image plan: %v", plan)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no image sent")
	}
}

func TestSendImageSkipsMissingFile(t *testing.T) {
	sender := &fakeSender{sent: make(chan []byte, 1)}
	a := NewAgent(newFakeAutopilot(t), &fakeReceiver{}, sender, nil, Options{
		ImageFile: filepath.Join(t.TempDir(), "missing.png"),
	})

	a.sendImage(context.Background())
	if len(sender.sent) != 0 {
		t.Error("Expected nothing sent for a missing image")
	}
}

func TestAgentRunsPreflight(t *testing.T) {
	fc := newFakeAutopilot(t)
	opts := mission.DefaultPreflightOptions()
	opts.StepDelay = time.Millisecond

	startAgent(t, NewAgent(fc, &fakeReceiver{}, nil, nil, Options{
		StartupHeartbeatTimeout: time.Second,
		Preflight:               &opts,
	}))

	want := []common.MAV_CMD{
		common.MAV_CMD_COMPONENT_ARM_DISARM,
		common.MAV_CMD_DO_SET_MODE,
		common.MAV_CMD_NAV_TAKEOFF,
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(fc.commands()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cmds := fc.commands()
	if len(cmds) != len(want) {
		t.Fatalf("Expected %d commands, got %v", len(want), cmds)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("Command %d: expected %v, got %v", i, want[i], cmds[i])
		}
	}
}

func TestAgentPreflightUsesStartupTarget(t *testing.T) {
	// no heartbeats: the startup target must be used as is
	fc := &fakeAutopilot{in: make(chan mission.Inbound, 1)}
	opts := mission.DefaultPreflightOptions()
	opts.StepDelay = time.Millisecond

	startAgent(t, NewAgent(fc, &fakeReceiver{}, nil, nil, Options{
		Target:                  &mission.Target{SystemID: 7, ComponentID: 1},
		StartupHeartbeatTimeout: 50 * time.Millisecond,
		Preflight:               &opts,
	}))

	deadline := time.Now().Add(3 * time.Second)
	for len(fc.commands()) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cmds := fc.commands(); len(cmds) != 3 {
		t.Fatalf("Expected 3 preflight commands, got %v", cmds)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, m := range fc.sent {
		if c, ok := m.(*common.MessageCommandLong); ok && c.TargetSystem != 7 {
			t.Errorf("Expected %v to target system 7, got %d", c.Command, c.TargetSystem)
		}
	}
}
