// Package calltracker implements the call-tracker state machine: it
// consumes the PBX-MI event stream and produces authoritative call
// records plus ringing-call notifications (spec §4.4).
package calltracker

import (
    "context"
    "fmt"
    "regexp"
    "strings"
    "sync"
    "time"

    "github.com/nourikan/commgateway/internal/pbxmi"
    "github.com/nourikan/commgateway/internal/pushbus"
    "github.com/nourikan/commgateway/internal/store"
    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

// channelState is the per-channel state kept while a call is in progress.
type channelState struct {
    channel   string
    linkedID  string
    direction store.CallDirection
    callerID  string
    calleeID  string
    lineName  string
    answered  bool
    startTime time.Time
}

// ringingRow is the transient per-linked-id record for an offered call.
type ringingRow struct {
    callID            string
    displayNumber     string
    displayName       string
    lineName          string
    extensionsRinging map[string]bool
    redirectChannel   string
    firstNotifiedAt   time.Time
}

// Config holds the regexes and substring tables used to classify
// channels and CDR rows (spec §4.4).
type Config struct {
    TrunkChannelPattern  *regexp.Regexp // matches trunk-class channel identifiers
    ExtensionDialPattern *regexp.Regexp // matches "<sip-tech>/<3-4 digits>-*" destinations
    LineNamePattern      *regexp.Regexp // extracts trunk/line name from a channel id
    LineNamesBySubstring map[string]string
    TrunkNames           []string // substrings identifying gateway/trunk destinations
    CountryPrefix        string   // e.g. "+590", stripped to a leading "0"
    RingingWatchdog      time.Duration
}

func (c *Config) setDefaults() {
    if c.TrunkChannelPattern == nil {
        c.TrunkChannelPattern = regexp.MustCompile(`(?i)^(PJSIP|SIP)/trunk`)
    }
    if c.ExtensionDialPattern == nil {
        c.ExtensionDialPattern = regexp.MustCompile(`(?i)^(PJSIP|SIP)/(\d{3,4})-`)
    }
    if c.LineNamePattern == nil {
        c.LineNamePattern = regexp.MustCompile(`(?i)^(?:PJSIP|SIP)/([a-zA-Z0-9_.-]+)-`)
    }
    if c.RingingWatchdog == 0 {
        c.RingingWatchdog = 60 * time.Second
    }
}

// Tracker is the call-tracker state machine. It owns exactly one
// subscription to the PBX-MI event stream, processed on a single reader
// goroutine, so per-call events always apply in PBX-declared order
// (spec §5).
type Tracker struct {
    cfg   Config
    pbx   *pbxmi.Client
    calls *store.CallRepo
    bus   *pushbus.Bus

    mu       sync.RWMutex
    channels map[string]*channelState // keyed by channel id
    ringing  map[string]*ringingRow   // keyed by linked id
    // pendingLinked coalesces multiple channels belonging to one linked-id
    // call while it is still being dialled.
    pendingLinked map[string]string // linked-id -> call id

    shutdown chan struct{}
    wg       sync.WaitGroup
}

func New(cfg Config, pbx *pbxmi.Client, calls *store.CallRepo, bus *pushbus.Bus) *Tracker {
    cfg.setDefaults()
    t := &Tracker{
        cfg:           cfg,
        pbx:           pbx,
        calls:         calls,
        bus:           bus,
        channels:      make(map[string]*channelState),
        ringing:       make(map[string]*ringingRow),
        pendingLinked: make(map[string]string),
        shutdown:      make(chan struct{}),
    }
    pbx.OnEvent(t.handleEvent)
    t.wg.Add(1)
    go t.watchdogLoop()
    return t
}

func (t *Tracker) Close() {
    select {
    case <-t.shutdown:
    default:
        close(t.shutdown)
    }
    t.wg.Wait()
}

func (t *Tracker) handleEvent(f pbxmi.Frame) {
    event := f["Event"]
    switch event {
    case "Newchannel":
        t.onNewchannel(f)
    case "DialBegin":
        t.onDialBegin(f)
    case "DialEnd":
        t.onDialEnd(f)
    case "Bridge", "BridgeEnter":
        t.onBridge(f)
    case "Hangup":
        t.onHangup(f)
    case "Cdr":
        t.onCDR(f)
    }
}

// onNewchannel classifies the channel and records its start state. Local
// and synthetic channels are skipped entirely.
func (t *Tracker) onNewchannel(f pbxmi.Frame) {
    channel := f["Channel"]
    if channel == "" || strings.HasPrefix(channel, "Local/") {
        return
    }

    callerID := f["CallerIDNum"]
    context_ := f["Context"]
    isTrunk := t.cfg.TrunkChannelPattern.MatchString(channel)

    var direction store.CallDirection
    switch {
    case isTrunk:
        if !looksExternal(callerID) {
            return
        }
        direction = store.DirectionIncoming
    default:
        exten := f["Exten"]
        if exten == "s" || len(exten) < 3 {
            return
        }
        if len(callerID) <= 4 {
            direction = store.DirectionOutgoing
        } else {
            direction = store.DirectionIncoming
        }
    }
    if strings.Contains(context_, "from-trunk") || strings.Contains(context_, "from-did") {
        direction = store.DirectionIncoming
    }

    lineName := t.extractLineName(channel, f["CallerIDName"])

    t.mu.Lock()
    t.channels[channel] = &channelState{
        channel:   channel,
        linkedID:  f["Linkedid"],
        direction: direction,
        callerID:  callerID,
        calleeID:  f["Exten"],
        lineName:  lineName,
        startTime: time.Now(),
    }
    t.mu.Unlock()
}

func (t *Tracker) extractLineName(channel, callerIDName string) string {
    if m := t.cfg.LineNamePattern.FindStringSubmatch(channel); len(m) == 2 {
        return m[1]
    }
    for substr, name := range t.cfg.LineNamesBySubstring {
        if strings.Contains(callerIDName, substr) {
            return name
        }
    }
    return ""
}

func looksExternal(callerID string) bool {
    digits := strings.TrimLeft(callerID, "+")
    if len(digits) < 6 {
        return false
    }
    for _, r := range digits {
        if r < '0' || r > '9' {
            return false
        }
    }
    return true
}

// onDialBegin enters the incoming-ring path when the destination channel
// matches an extension dial pattern and the originating side is incoming
// or trunk-class.
func (t *Tracker) onDialBegin(f pbxmi.Frame) {
    destChannel := f["DestChannel"]
    m := t.cfg.ExtensionDialPattern.FindStringSubmatch(destChannel)
    if m == nil {
        return
    }
    extension := m[2]
    linkedID := f["Linkedid"]
    srcChannel := f["Channel"]

    t.mu.RLock()
    src, srcKnown := t.channels[srcChannel]
    t.mu.RUnlock()
    if srcKnown && src.direction != store.DirectionIncoming && !t.cfg.TrunkChannelPattern.MatchString(srcChannel) {
        return
    }

    callerNum := f["CallerIDNum"]
    if callerNum == "" && srcKnown {
        callerNum = src.callerID
    }
    callerNum = t.stripCountryPrefix(callerNum)

    t.mu.Lock()
    row, exists := t.ringing[linkedID]
    if !exists {
        callID := linkedID
        row = &ringingRow{
            callID:            callID,
            displayNumber:     callerNum,
            displayName:       f["CallerIDName"],
            extensionsRinging: make(map[string]bool),
            redirectChannel:   srcChannel,
            firstNotifiedAt:   time.Now(),
        }
        if srcKnown {
            row.lineName = src.lineName
        }
        t.ringing[linkedID] = row
    }
    row.extensionsRinging[extension] = true
    t.mu.Unlock()

    if !exists && t.bus != nil {
        t.bus.Publish(pushbus.Event{
            Type: pushbus.EventIncomingCall,
            Payload: map[string]interface{}{
                "call_id":        row.callID,
                "display_number": row.displayNumber,
                "display_name":   row.displayName,
                "line_name":      row.lineName,
                "extension":      extension,
            },
        })
    }
}

// onDialEnd updates per-channel dial status and closes the ringing row
// when the dial outcome is terminal.
func (t *Tracker) onDialEnd(f pbxmi.Frame) {
    linkedID := f["Linkedid"]
    result := f["DialStatus"]

    var closeWith string
    switch result {
    case "ANSWER":
        closeWith = "answered"
    case "BUSY":
        closeWith = "busy"
    case "NOANSWER":
        closeWith = "missed"
    case "CANCEL":
        closeWith = "missed"
    case "CONGESTION":
        closeWith = "failed"
    default:
        return
    }
    t.closeRinging(linkedID, closeWith)
}

// onBridge marks both ends answered and closes the ringing row.
func (t *Tracker) onBridge(f pbxmi.Frame) {
    linkedID := f["Linkedid"]

    t.mu.Lock()
    if ch, ok := t.channels[f["Channel1"]]; ok {
        ch.answered = true
    }
    if ch, ok := t.channels[f["Channel2"]]; ok {
        ch.answered = true
    }
    t.mu.Unlock()

    t.closeRinging(linkedID, "answered")
}

func (t *Tracker) closeRinging(linkedID, reason string) {
    t.mu.Lock()
    row, ok := t.ringing[linkedID]
    if ok {
        delete(t.ringing, linkedID)
    }
    t.mu.Unlock()
    if !ok {
        return
    }
    logger.WithField("call_id", row.callID).WithField("reason", reason).Debug("ringing row closed")
}

// onHangup finalises per-channel state. The CDR remains the source of
// truth for the persisted call row.
func (t *Tracker) onHangup(f pbxmi.Frame) {
    channel := f["Channel"]
    t.mu.Lock()
    delete(t.channels, channel)
    t.mu.Unlock()
}

// onCDR composes and persists the authoritative call row (spec §4.4).
func (t *Tracker) onCDR(f pbxmi.Frame) {
    ctx := context.Background()

    source := f["Source"]
    destination := f["Destination"]
    dstChannel := f["DestinationChannel"]
    context_ := f["DestinationContext"]
    uniqueID := f["UniqueID"]

    if source == "" || isGatewayMarker(source) {
        if destination != "" {
            source = destination
        } else {
            source = "masked"
        }
    }
    source = t.stripCountryPrefix(source)

    var direction store.CallDirection
    switch {
    case containsAny(context_, "from-trunk", "from-did", "ext-group"):
        direction = store.DirectionIncoming
    case containsAny(context_, "from-internal", "outbound"):
        direction = store.DirectionOutgoing
    case t.isGatewayOnlyChannel(dstChannel):
        direction = store.DirectionIncoming
    default:
        direction = store.DirectionIncoming
    }

    if direction == store.DirectionOutgoing && t.looksLikeGateway(destination) {
        // trunk-leg duplicate of an outgoing call: skip.
        return
    }

    var status store.CallStatus
    switch f["Disposition"] {
    case "ANSWERED":
        status = store.CallAnswered
    case "NO ANSWER":
        status = store.CallMissed
    case "BUSY":
        status = store.CallBusy
    case "FAILED", "CONGESTION":
        status = store.CallFailed
    default:
        status = store.CallFailed
    }

    startTime, err := parseCDRTime(f["StartTime"])
    if err != nil {
        logger.WithError(err).WithField("value", f["StartTime"]).Warn("failed to parse CDR start time")
    }
    var answerTime, endTime *int64
    if f["AnswerTime"] != "" {
        if v, err := parseCDRTime(f["AnswerTime"]); err != nil {
            logger.WithError(err).WithField("value", f["AnswerTime"]).Warn("failed to parse CDR answer time")
        } else {
            answerTime = &v
        }
    }
    if f["EndTime"] != "" {
        if v, err := parseCDRTime(f["EndTime"]); err != nil {
            logger.WithError(err).WithField("value", f["EndTime"]).Warn("failed to parse CDR end time")
        } else {
            endTime = &v
        }
    }

    c := &store.Call{
        ID:              uniqueID,
        Direction:       direction,
        CallerNumber:    source,
        CalledNumber:    destination,
        StartTime:       startTime,
        AnswerTime:      answerTime,
        EndTime:         endTime,
        Status:          status,
        Source:          "pbx",
        BackendUniqueID: uniqueID,
    }

    dropped, err := t.calls.Insert(ctx, c)
    if err != nil {
        logger.WithError(err).Error("failed to persist call record from CDR")
        return
    }
    if dropped {
        return
    }

    if t.bus != nil {
        t.bus.Publish(pushbus.Event{Type: pushbus.EventCallHistoryUpdate, Payload: c})
        if status == store.CallMissed {
            t.bus.Publish(pushbus.Event{Type: pushbus.EventMissedCall, Payload: c})
        }
    }
}

func (t *Tracker) stripCountryPrefix(number string) string {
    if t.cfg.CountryPrefix == "" {
        return number
    }
    if strings.HasPrefix(number, t.cfg.CountryPrefix) {
        return "0" + strings.TrimPrefix(number, t.cfg.CountryPrefix)
    }
    return number
}

func (t *Tracker) looksLikeGateway(number string) bool {
    for _, name := range t.cfg.TrunkNames {
        if strings.Contains(number, name) {
            return true
        }
    }
    return false
}

func (t *Tracker) isGatewayOnlyChannel(channel string) bool {
    return t.cfg.TrunkChannelPattern.MatchString(channel)
}

func isGatewayMarker(s string) bool {
    return s == "" || s == "s" || strings.EqualFold(s, "gateway")
}

func containsAny(s string, substrs ...string) bool {
    for _, sub := range substrs {
        if strings.Contains(s, sub) {
            return true
        }
    }
    return false
}

// cdrTimeLayout matches Asterisk's Cdr event date-time fields
// (StartTime/AnswerTime/EndTime), e.g. "2026-07-30 12:00:00".
const cdrTimeLayout = "2006-01-02 15:04:05"

func parseCDRTime(s string) (int64, error) {
    if s == "" {
        return 0, nil
    }
    ts, err := time.Parse(cdrTimeLayout, s)
    if err != nil {
        return 0, err
    }
    return ts.Unix(), nil
}

// watchdogLoop closes ringing rows that have been open longer than the
// configured watchdog interval, bounding resource usage under lost
// events (spec §4.4).
func (t *Tracker) watchdogLoop() {
    defer t.wg.Done()
    ticker := time.NewTicker(5 * time.Second)
    defer ticker.Stop()

    for {
        select {
        case <-t.shutdown:
            return
        case <-ticker.C:
            now := time.Now()
            t.mu.Lock()
            for linkedID, row := range t.ringing {
                if now.Sub(row.firstNotifiedAt) > t.cfg.RingingWatchdog {
                    delete(t.ringing, linkedID)
                    logger.WithField("call_id", row.callID).Warn("ringing row expired by watchdog")
                }
            }
            t.mu.Unlock()
        }
    }
}

// RingingCall is the public view of a ringing row.
type RingingCall struct {
    CallID            string
    DisplayNumber     string
    DisplayName       string
    LineName          string
    ExtensionsRinging []string
}

// GetRingingCalls returns the current ringing rows with their extension
// sets.
func (t *Tracker) GetRingingCalls() []RingingCall {
    t.mu.RLock()
    defer t.mu.RUnlock()

    out := make([]RingingCall, 0, len(t.ringing))
    for _, row := range t.ringing {
        exts := make([]string, 0, len(row.extensionsRinging))
        for e := range row.extensionsRinging {
            exts = append(exts, e)
        }
        out = append(out, RingingCall{
            CallID:            row.callID,
            DisplayNumber:     row.displayNumber,
            DisplayName:       row.displayName,
            LineName:          row.lineName,
            ExtensionsRinging: exts,
        })
    }
    return out
}

// AnswerCall locates a suitable trunk/ingress channel for the call and
// redirects it into the given extension's context (spec §4.4).
func (t *Tracker) AnswerCall(ctx context.Context, callID, targetExtension string) error {
    if !t.pbx.IsAuthenticated() {
        return errors.New(errors.ErrUnavailable, "PBX-MI is not authenticated")
    }

    channel := t.findAnswerChannel(callID)
    if channel == "" {
        return errors.New(errors.ErrNotFound, "no channel found for call")
    }

    return t.pbx.Redirect(ctx, channel, targetExtension, "from-internal", 1)
}

func (t *Tracker) findAnswerChannel(callID string) string {
    t.mu.RLock()
    defer t.mu.RUnlock()

    if row, ok := t.ringing[callID]; ok && row.redirectChannel != "" {
        return row.redirectChannel
    }

    for _, ch := range t.channels {
        if ch.linkedID == callID && t.cfg.TrunkChannelPattern.MatchString(ch.channel) {
            return ch.channel
        }
    }
    return ""
}

// RejectCall hangs up every channel linked to the call with a rejected
// cause and closes its ringing row.
func (t *Tracker) RejectCall(ctx context.Context, callID string) error {
    const causeCallRejected = 21

    t.mu.RLock()
    var channels []string
    for _, ch := range t.channels {
        if ch.linkedID == callID {
            channels = append(channels, ch.channel)
        }
    }
    t.mu.RUnlock()

    var lastErr error
    for _, ch := range channels {
        if err := t.pbx.Hangup(ctx, ch, causeCallRejected); err != nil {
            lastErr = err
        }
    }
    t.closeRinging(callID, "rejected")
    return lastErr
}

// Originate constructs and submits an Originate action and surfaces the
// PBX acknowledgement.
func (t *Tracker) Originate(ctx context.Context, fromExtension, toNumber string, options map[string]string) (pbxmi.Frame, error) {
    params := map[string]string{
        "Channel":  fmt.Sprintf("PJSIP/%s", fromExtension),
        "Exten":    toNumber,
        "Context":  "from-internal",
        "Priority": "1",
    }
    for k, v := range options {
        params[k] = v
    }
    return t.pbx.Originate(ctx, params)
}
