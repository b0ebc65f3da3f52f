package calltracker

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/nourikan/commgateway/internal/pbxmi"
    "github.com/nourikan/commgateway/internal/pushbus"
    "github.com/nourikan/commgateway/internal/store"
)

var initOnce sync.Once

func newTestTracker(t *testing.T) (*Tracker, *pushbus.Bus) {
    t.Helper()
    initOnce.Do(func() {
        if err := store.Initialize(store.Config{Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1}); err != nil {
            t.Fatalf("initialize store: %v", err)
        }
    })
    db := store.GetDB()

    pbx := pbxmi.New(pbxmi.Config{Host: "127.0.0.1", Port: 1})
    bus := pushbus.New(16)
    tr := New(Config{}, pbx, store.NewCallRepo(db), bus)
    return tr, bus
}

func TestOnDialBeginPublishesIncomingCallOncePerLinkedID(t *testing.T) {
    tr, bus := newTestTracker(t)
    sub := bus.Subscribe(pushbus.KindStream)

    frame := pbxmi.Frame{
        "Event":         "DialBegin",
        "Channel":       "PJSIP/trunk-0001",
        "DestChannel":   "PJSIP/1001-0002",
        "Linkedid":      "link-1",
        "CallerIDNum":   "15555550100",
        "CallerIDName":  "Jane Doe",
    }
    tr.handleEvent(frame)
    // a second DialBegin for the same linked-id (a ring-group sibling
    // extension) must not publish a second incoming_call event.
    frame2 := pbxmi.Frame{
        "Event":       "DialBegin",
        "Channel":     "PJSIP/trunk-0001",
        "DestChannel": "PJSIP/1002-0003",
        "Linkedid":    "link-1",
        "CallerIDNum": "15555550100",
    }
    tr.handleEvent(frame2)

    select {
    case e := <-sub.C:
        if e.Type != pushbus.EventIncomingCall {
            t.Fatalf("expected incoming_call event, got %v", e.Type)
        }
    default:
        t.Fatalf("expected an incoming_call event to be published")
    }

    select {
    case e := <-sub.C:
        t.Fatalf("expected no second incoming_call event, got %v", e.Type)
    default:
    }

    ringing := tr.GetRingingCalls()
    if len(ringing) != 1 {
        t.Fatalf("expected exactly one ringing row, got %d", len(ringing))
    }
    if len(ringing[0].ExtensionsRinging) != 2 {
        t.Fatalf("expected both extensions tracked on the same ringing row, got %v", ringing[0].ExtensionsRinging)
    }
}

func TestOnDialBeginStripsCountryPrefixAndFallsBackToNewchannelCallerID(t *testing.T) {
    tr, bus := newTestTracker(t)
    tr.cfg.CountryPrefix = "+33"
    sub := bus.Subscribe(pushbus.KindStream)

    // The trunk leg's Newchannel carries the full international number;
    // the matching DialBegin (as real Asterisk emits it) carries no
    // CallerIDNum of its own.
    tr.handleEvent(pbxmi.Frame{
        "Event":       "Newchannel",
        "Channel":     "PJSIP/trunk-0001",
        "CallerIDNum": "+33123456789",
        "Context":     "from-trunk",
    })
    tr.handleEvent(pbxmi.Frame{
        "Event":       "DialBegin",
        "Channel":     "PJSIP/trunk-0001",
        "DestChannel": "PJSIP/1001-xyz",
        "Linkedid":    "L1",
    })

    select {
    case e := <-sub.C:
        if e.Type != pushbus.EventIncomingCall {
            t.Fatalf("expected incoming_call event, got %v", e.Type)
        }
        payload := e.Payload.(map[string]interface{})
        if payload["display_number"] != "0123456789" {
            t.Fatalf("expected stripped national number 0123456789, got %v", payload["display_number"])
        }
    default:
        t.Fatalf("expected an incoming_call event to be published")
    }
}

func TestOnDialEndClosesRingingRow(t *testing.T) {
    tr, _ := newTestTracker(t)

    tr.handleEvent(pbxmi.Frame{
        "Event":       "DialBegin",
        "Channel":     "PJSIP/trunk-0001",
        "DestChannel": "PJSIP/1001-0002",
        "Linkedid":    "link-2",
        "CallerIDNum": "15555550100",
    })
    if len(tr.GetRingingCalls()) != 1 {
        t.Fatalf("expected one ringing row before DialEnd")
    }

    tr.handleEvent(pbxmi.Frame{
        "Event":     "DialEnd",
        "Linkedid":  "link-2",
        "DialStatus": "NOANSWER",
    })
    if len(tr.GetRingingCalls()) != 0 {
        t.Fatalf("expected ringing row to be closed after DialEnd")
    }
}

func TestOnCDRPersistsCallAndPublishesHistoryUpdate(t *testing.T) {
    tr, bus := newTestTracker(t)
    sub := bus.Subscribe(pushbus.KindStream)

    tr.handleEvent(pbxmi.Frame{
        "Event":               "Cdr",
        "UniqueID":            "cdr-test-1",
        "Source":              "15555550100",
        "Destination":         "1001",
        "DestinationContext":  "from-trunk",
        "DestinationChannel":  "PJSIP/1001-0002",
        "Disposition":         "ANSWERED",
        "StartTime":           "2026-07-30 12:00:00",
        "AnswerTime":          "2026-07-30 12:00:05",
        "EndTime":             "2026-07-30 12:01:00",
    })

    select {
    case e := <-sub.C:
        if e.Type != pushbus.EventCallHistoryUpdate {
            t.Fatalf("expected call_history_update, got %v", e.Type)
        }
    case <-time.After(time.Second):
        t.Fatalf("expected a call_history_update event")
    }

    got, err := tr.calls.GetByCallID(context.Background(), "cdr-test-1")
    if err != nil {
        t.Fatalf("get persisted call: %v", err)
    }
    if got.Status != store.CallAnswered {
        t.Fatalf("expected answered status, got %v", got.Status)
    }
    if got.AnswerTime == nil || got.EndTime == nil {
        t.Fatalf("expected answer and end times to be parsed, got %+v", got)
    }
    if *got.AnswerTime-got.StartTime != 5 {
        t.Fatalf("expected a 5s ring duration, got start=%d answer=%d", got.StartTime, *got.AnswerTime)
    }
    if got.Duration != 55 {
        t.Fatalf("expected duration 55 (end-answer), got %d", got.Duration)
    }
}

func TestWatchdogExpiresStaleRingingRow(t *testing.T) {
    tr, _ := newTestTracker(t)
    tr.cfg.RingingWatchdog = 10 * time.Millisecond

    tr.handleEvent(pbxmi.Frame{
        "Event":       "DialBegin",
        "Channel":     "PJSIP/trunk-0001",
        "DestChannel": "PJSIP/1001-0002",
        "Linkedid":    "link-3",
        "CallerIDNum": "15555550100",
    })
    if len(tr.GetRingingCalls()) != 1 {
        t.Fatalf("expected one ringing row")
    }

    // The watchdog sweeps on a fixed 5s tick, so allow a little more than
    // one full sweep interval.
    deadline := time.Now().Add(7 * time.Second)
    for time.Now().Before(deadline) {
        if len(tr.GetRingingCalls()) == 0 {
            return
        }
        time.Sleep(20 * time.Millisecond)
    }
    t.Fatalf("expected watchdog to expire the stale ringing row")
}
