package mission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"MissionBridge/internal/flightplan"
)

type fakeLink struct {
	in chan Inbound

	mu      sync.Mutex
	sent    []message.Message
	sendErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{in: make(chan Inbound, 64)}
}

func (l *fakeLink) Messages() <-chan Inbound { return l.in }

func (l *fakeLink) Send(msg message.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, msg)
	return nil
}

func (l *fakeLink) Sent() []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]message.Message(nil), l.sent...)
}

func (l *fakeLink) push(sysID uint8, msg message.Message) {
	l.in <- Inbound{SystemID: sysID, ComponentID: 1, Message: msg}
}

var threePoints = []flightplan.Coordinate{
	{Lat: 55.1, Lon: 37.1, Alt: 10},
	{Lat: 55.2, Lon: 37.2, Alt: 20},
	{Lat: 55.3, Lon: 37.3, Alt: 30},
}

func TestUploadSequencing(t *testing.T) {
	link := newFakeLink()
	link.push(1, &common.MessageHeartbeat{})
	link.push(1, &common.MessageMissionRequest{Seq: 0})
	link.push(1, &common.MessageMissionRequest{Seq: 1})
	link.push(1, &common.MessageMissionRequest{Seq: 2})
	link.push(1, &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED})

	var finished *Report
	coord := NewCoordinator(link, Options{
		OnFinished: func(r *Report, err error) { finished = r },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := coord.Upload(ctx, flightplan.New(threePoints, nil))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	sent := link.Sent()
	if len(sent) != 6 {
		t.Fatalf("Expected 6 outgoing messages, got %d: %v", len(sent), sent)
	}

	count, ok := sent[0].(*common.MessageMissionCount)
	if !ok || count.Count != 4 {
		t.Fatalf("Expected MISSION_COUNT=4 first, got %#v", sent[0])
	}
	if count.TargetSystem != 1 || count.TargetComponent != 1 {
		t.Errorf("Expected target 1/1 from heartbeat, got %d/%d", count.TargetSystem, count.TargetComponent)
	}

	expected := []struct {
		seq uint16
		wp  flightplan.Coordinate
	}{
		{0, threePoints[0]},
		{1, threePoints[0]},
		{2, threePoints[1]},
	}
	for i, exp := range expected {
		item, ok := sent[1+i].(*common.MessageMissionItem)
		if !ok {
			t.Fatalf("Expected MISSION_ITEM at %d, got %#v", 1+i, sent[1+i])
		}
		if item.Seq != exp.seq || item.X != exp.wp.Lat || item.Y != exp.wp.Lon || item.Z != exp.wp.Alt {
			t.Errorf("item %d: expected seq=%d %v, got seq=%d (%v, %v, %v)",
				i, exp.seq, exp.wp, item.Seq, item.X, item.Y, item.Z)
		}
		if item.Frame != common.MAV_FRAME_GLOBAL_RELATIVE_ALT || item.Command != common.MAV_CMD_NAV_WAYPOINT || item.Autocontinue != 1 {
			t.Errorf("item %d: unexpected frame/command/autocontinue %v/%v/%d", i, item.Frame, item.Command, item.Autocontinue)
		}
	}

	if setCurrent, ok := sent[4].(*common.MessageMissionSetCurrent); !ok || setCurrent.Seq != 0 {
		t.Errorf("Expected MISSION_SET_CURRENT(0), got %#v", sent[4])
	}
	if start, ok := sent[5].(*common.MessageCommandLong); !ok || start.Command != common.MAV_CMD_MISSION_START {
		t.Errorf("Expected COMMAND_LONG MISSION_START, got %#v", sent[5])
	}

	if report.Outcome != OutcomeAccepted || report.ItemsServed != 3 || report.Points != 3 {
		t.Errorf("Unexpected report: %+v", report)
	}
	if report.SessionID == "" || finished == nil || finished.SessionID != report.SessionID {
		t.Errorf("Expected OnFinished to receive the report, got %+v", finished)
	}
}

func TestUploadAnswersIntRequests(t *testing.T) {
	link := newFakeLink()
	link.push(1, &common.MessageHeartbeat{})
	link.push(1, &common.MessageMissionRequestInt{Seq: 3})
	link.push(1, &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewCoordinator(link, Options{}).Upload(ctx, flightplan.New(threePoints, nil)); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	item, ok := link.Sent()[1].(*common.MessageMissionItemInt)
	if !ok {
		t.Fatalf("Expected MISSION_ITEM_INT, got %#v", link.Sent()[1])
	}
	if item.Seq != 3 || item.X != degE7(threePoints[2].Lat) || item.Y != degE7(threePoints[2].Lon) || item.Z != 30 {
		t.Errorf("Unexpected item: seq=%d x=%d y=%d z=%v", item.Seq, item.X, item.Y, item.Z)
	}
}

func TestUploadRejected(t *testing.T) {
	link := newFakeLink()
	link.push(1, &common.MessageHeartbeat{})
	link.push(1, &common.MessageMissionRequest{Seq: 0})
	link.push(1, &common.MessageMissionAck{Type: common.MAV_MISSION_NO_SPACE})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := NewCoordinator(link, Options{}).Upload(ctx, flightplan.New(threePoints, nil))
	if !errors.Is(err, ErrMissionRejected) {
		t.Fatalf("Expected ErrMissionRejected, got %v", err)
	}
	if report == nil || report.Outcome != OutcomeRejected || report.Result != common.MAV_MISSION_NO_SPACE {
		t.Fatalf("Unexpected report: %+v", report)
	}

	for _, msg := range link.Sent() {
		switch msg.(type) {
		case *common.MessageMissionSetCurrent, *common.MessageCommandLong:
			t.Errorf("Expected no start commands after rejection, got %#v", msg)
		}
	}
}

func TestUploadIgnoresOutOfRangeAndForeignMessages(t *testing.T) {
	link := newFakeLink()
	link.push(1, &common.MessageHeartbeat{})
	link.push(1, &common.MessageMissionRequest{Seq: 9})
	link.push(2, &common.MessageMissionRequest{Seq: 1})
	link.push(2, &common.MessageMissionAck{Type: common.MAV_MISSION_ERROR})
	link.push(1, &common.MessageMissionRequest{Seq: 1})
	link.push(1, &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := NewCoordinator(link, Options{}).Upload(ctx, flightplan.New(threePoints, nil))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if report.ItemsServed != 1 {
		t.Errorf("Expected only the in-range request from the target to be served, got %d", report.ItemsServed)
	}
}

func TestUploadCancelledWhileServing(t *testing.T) {
	link := newFakeLink()
	link.push(1, &common.MessageHeartbeat{})
	link.push(1, &common.MessageMissionRequest{Seq: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	report, err := NewCoordinator(link, Options{}).Upload(ctx, flightplan.New(threePoints, nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
	if report == nil || report.Outcome != OutcomeNone || report.ResultName != "" {
		t.Errorf("Expected a report without outcome, got %+v", report)
	}
}

func TestUploadEmptyPlanAndConcurrency(t *testing.T) {
	link := newFakeLink()
	coord := NewCoordinator(link, Options{})

	if _, err := coord.Upload(context.Background(), flightplan.New(nil, []byte{1})); !errors.Is(err, ErrEmptyPlan) {
		t.Errorf("Expected ErrEmptyPlan, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := coord.Upload(ctx, flightplan.New(threePoints, nil))
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !coord.busy.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := coord.Upload(context.Background(), flightplan.New(threePoints, nil)); !errors.Is(err, ErrUploadInProgress) {
		t.Errorf("Expected ErrUploadInProgress, got %v", err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected first upload to be cancelled, got %v", err)
	}
}

func TestUploadRejectsPlanBeyondMissionCount(t *testing.T) {
	link := newFakeLink()
	link.push(1, &common.MessageHeartbeat{})

	coords := make([]flightplan.Coordinate, MaxWaypoints+1)
	_, err := NewCoordinator(link, Options{}).Upload(context.Background(), flightplan.New(coords, nil))
	if !errors.Is(err, ErrPlanTooLarge) {
		t.Fatalf("Expected ErrPlanTooLarge, got %v", err)
	}
	if sent := link.Sent(); len(sent) != 0 {
		t.Errorf("Expected nothing sent, got %d messages", len(sent))
	}
}

func TestUploadLargestPlanCount(t *testing.T) {
	link := newFakeLink()
	link.push(1, &common.MessageHeartbeat{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := NewCoordinator(link, Options{}).Upload(ctx, flightplan.New(make([]flightplan.Coordinate, MaxWaypoints), nil))
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(link.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	sent := link.Sent()
	if len(sent) == 0 {
		t.Fatal("Expected MISSION_COUNT to be sent")
	}
	count, ok := sent[0].(*common.MessageMissionCount)
	if !ok {
		t.Fatalf("Expected MISSION_COUNT first, got %T", sent[0])
	}
	if count.Count != 65535 {
		t.Errorf("Expected count 65535, got %d", count.Count)
	}
}

func TestUploadSendFailure(t *testing.T) {
	link := newFakeLink()
	link.sendErr = errors.New("socket closed")
	link.push(1, &common.MessageHeartbeat{})

	_, err := NewCoordinator(link, Options{}).Upload(context.Background(), flightplan.New(threePoints, nil))
	if err == nil || !errors.Is(err, link.sendErr) {
		t.Errorf("Expected send error, got %v", err)
	}
}

func TestDegE7(t *testing.T) {
	cases := map[float32]int32{1.5: 15000000, -0.25: -2500000, 0: 0, 180: 1800000000}
	for deg, want := range cases {
		if got := degE7(deg); got != want {
			t.Errorf("degE7(%v): expected %d, got %d", deg, want, got)
		}
	}
}

func TestStateStrings(t *testing.T) {
	if StateServingRequests.String() != "serving_requests" || State(99).String() != "unknown" {
		t.Error("Unexpected State strings")
	}
	if OutcomeAccepted.String() != "accepted" || OutcomeNone.String() != "none" {
		t.Error("Unexpected Outcome strings")
	}
}
