package bluez

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bluetooth-hfp/internal/hfp/atcmd"
	"bluetooth-hfp/internal/native"
)

// Supported feature bits exchanged with +BRSF.
const (
	agFeatureThreeWay     = 1 << 0
	agFeatureInbandRing   = 1 << 3
	agFeatureHfIndicators = 1 << 10

	hfFeatureThreeWay = 1 << 1
)

// +CIND indicator positions, 1-based as reported in +CIEV.
const (
	indService = iota + 1
	indCall
	indCallSetup
	indCallHeld
	indSignal
	indRoam
	indBattery
	numIndicators = indBattery
)

const cindTest = `+CIND: ("service",(0,1)),("call",(0,1)),("callsetup",(0-3)),` +
	`("callheld",(0-2)),("signal",(0-5)),("roam",(0,1)),("battchg",(0-5))`

const ringInterval = 3 * time.Second

// session is the AT channel of one RFCOMM link. It negotiates the
// service-level connection and turns the remaining commands into events.
type session struct {
	dev     native.Address
	conn    io.ReadWriteCloser
	emit    func(native.Event)
	limiter *rate.Limiter
	logger  *slog.Logger

	mu         sync.Mutex
	agFeatures uint32
	hfFeatures uint32
	slc        bool
	cmer       bool
	cmee       bool
	clip       bool
	ccwa       bool
	enabled    [numIndicators + 1]bool
	ind        [numIndicators + 1]int
	call       native.PhoneCall
	ring       *time.Timer
	closed     bool
}

func newSession(dev native.Address, conn io.ReadWriteCloser, agFeatures uint32, limit rate.Limit, burst int,
	emit func(native.Event), logger *slog.Logger) *session {
	s := &session{
		dev:        dev,
		conn:       conn,
		emit:       emit,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With("device", dev),
		agFeatures: agFeatures,
		call:       native.PhoneCall{State: native.CallIdle},
	}
	for i := range s.enabled {
		s.enabled[i] = true
	}
	return s
}

// serve reads commands until the link drops.
func (s *session) serve() error {
	sc := bufio.NewScanner(s.conn)
	sc.Split(scanCommands)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !s.limiter.Allow() {
			s.logger.Warn("at rate exceeded", "cmd", line)
			s.writeResult("ERROR")
			continue
		}
		s.logger.Debug("at recv", "cmd", line)
		s.handle(line)
	}
	return sc.Err()
}

// scanCommands splits on CR or LF.
func scanCommands(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *session) close() error {
	s.mu.Lock()
	s.closed = true
	s.stopRingLocked()
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *session) handle(line string) {
	if len(line) < 2 || !strings.EqualFold(line[:2], "AT") {
		s.writeResult("ERROR")
		return
	}
	body := line[2:]
	upper := strings.ToUpper(body)

	switch {
	case upper == "A":
		s.event(native.EventAnswerCall, 0, 0, "")
		s.writeResult("OK")
	case strings.HasPrefix(upper, "D"):
		s.event(native.EventDialCall, 0, 0, strings.TrimSuffix(body[1:], ";"))
	case upper == "+BLDN":
		s.event(native.EventDialCall, 0, 0, "")
	case upper == "+CHUP":
		s.event(native.EventHangupCall, 0, 0, "")
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+BRSF="):
		s.onBrsf(argInt(body))
	case strings.HasPrefix(upper, "+BAC="):
		s.writeResult("OK")
	case upper == "+CIND=?":
		s.writeLine(cindTest)
		s.writeResult("OK")
	case upper == "+CIND?":
		s.event(native.EventAtCind, 0, 0, "")
	case strings.HasPrefix(upper, "+CMER="):
		s.onCmer(body)
	case upper == "+CHLD=?":
		s.writeLine("+CHLD: (0,1,2,3,4)")
		s.writeResult("OK")
		s.markSlc()
	case strings.HasPrefix(upper, "+CHLD="):
		v := argString(body)
		if v == "" {
			s.writeResult("ERROR")
			return
		}
		n, err := strconv.Atoi(v[:1])
		if err != nil {
			s.writeResult("ERROR")
			return
		}
		s.event(native.EventAtChld, n, 0, "")
	case strings.HasPrefix(upper, "+BIND") && !s.hasAgFeature(agFeatureHfIndicators):
		s.writeResult("ERROR")
	case upper == "+BIND=?":
		s.writeLine("+BIND: (1,2)")
		s.writeResult("OK")
	case upper == "+BIND?":
		s.writeLine("+BIND: 1,1")
		s.writeLine("+BIND: 2,1")
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+BIND="):
		s.event(native.EventBind, 0, 0, argString(body))
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+BIEV="):
		args := atcmd.Args(argString(body))
		if len(args) != 2 {
			s.writeResult("ERROR")
			return
		}
		id, ok1 := args[0].(int)
		val, ok2 := args[1].(int)
		if !ok1 || !ok2 {
			s.writeResult("ERROR")
			return
		}
		s.event(native.EventBiev, id, val, "")
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+BIA="):
		st := s.onBia(argString(body))
		s.emit(native.Event{Type: native.EventBia, Device: s.dev, Indicators: st})
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+CMEE="):
		s.mu.Lock()
		s.cmee = argInt(body) == 1
		s.mu.Unlock()
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+CLIP="):
		s.mu.Lock()
		s.clip = argInt(body) == 1
		s.mu.Unlock()
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+CCWA="):
		s.mu.Lock()
		s.ccwa = argInt(body) == 1
		s.mu.Unlock()
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+COPS="):
		s.writeResult("OK")
	case upper == "+COPS?":
		s.event(native.EventAtCops, 0, 0, "")
	case upper == "+CNUM":
		s.event(native.EventSubscriberNumberRequest, 0, 0, "")
	case upper == "+CLCC":
		s.event(native.EventAtClcc, 0, 0, "")
	case strings.HasPrefix(upper, "+VTS="):
		v := argString(body)
		if v == "" {
			s.writeResult("ERROR")
			return
		}
		s.event(native.EventSendDtmf, int(v[0]), 0, "")
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+VGS="):
		s.event(native.EventVolumeChanged, int(native.VolumeSpeaker), argInt(body), "")
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+VGM="):
		s.event(native.EventVolumeChanged, int(native.VolumeMic), argInt(body), "")
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+NREC="):
		s.event(native.EventNoiseReduction, argInt(body), 0, "")
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+BCS="):
		codec := native.CodecNBS
		if argInt(body) == native.CodecWBS {
			codec = native.CodecWBS
		}
		s.event(native.EventWbs, codec, 0, "")
		s.writeResult("OK")
	case strings.HasPrefix(upper, "+BVRA="):
		s.event(native.EventVrStateChanged, argInt(body), 0, "")
	case strings.HasPrefix(upper, "+CKPD="):
		s.event(native.EventKeyPressed, 0, 0, "")
		s.writeResult("OK")
	default:
		s.event(native.EventUnknownAt, 0, 0, body)
	}
}

func (s *session) event(typ native.EventType, v, v2 int, str string) {
	s.emit(native.Event{Type: typ, Device: s.dev, ValueInt: v, ValueInt2: v2, ValueString: str})
}

func (s *session) onBrsf(features int) {
	s.mu.Lock()
	s.hfFeatures = uint32(features)
	ag := s.agFeatures
	s.mu.Unlock()
	s.writeLine("+BRSF: " + strconv.FormatUint(uint64(ag), 10))
	s.writeResult("OK")
}

func (s *session) onCmer(body string) {
	args := strings.Split(argString(body), ",")
	if len(args) < 4 {
		s.writeResult("ERROR")
		return
	}
	s.mu.Lock()
	s.cmer = strings.TrimSpace(args[3]) == "1"
	threeWay := s.hfFeatures&hfFeatureThreeWay != 0 && s.agFeatures&agFeatureThreeWay != 0
	s.mu.Unlock()
	s.writeResult("OK")
	if !threeWay {
		s.markSlc()
	}
}

// markSlc reports the service-level connection once.
func (s *session) markSlc() {
	s.mu.Lock()
	if s.slc || s.closed {
		s.mu.Unlock()
		return
	}
	s.slc = true
	s.mu.Unlock()
	s.emit(native.Event{
		Type:     native.EventConnectionStateChanged,
		Device:   s.dev,
		ValueInt: int(native.ConnectionSlcConnected),
	})
}

// onBia applies an indicator activation list. Empty positions keep their
// previous value; call, callsetup and callheld cannot be disabled.
func (s *session) onBia(arg string) native.AgIndicatorEnableState {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range strings.Split(arg, ",") {
		idx := i + 1
		if idx > numIndicators {
			break
		}
		v = strings.TrimSpace(v)
		if v == "" || idx == indCall || idx == indCallSetup || idx == indCallHeld {
			continue
		}
		s.enabled[idx] = v == "1"
	}
	return native.AgIndicatorEnableState{
		Service: s.enabled[indService],
		Roam:    s.enabled[indRoam],
		Signal:  s.enabled[indSignal],
		Battery: s.enabled[indBattery],
	}
}

func (s *session) hasAgFeature(bit uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agFeatures&bit != 0
}

func (s *session) isSlc() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slc
}

// Result writers.

func (s *session) writeLine(text string) {
	s.write("\r\n" + text + "\r\n")
}

func (s *session) writeResult(code string) {
	s.write("\r\n" + code + "\r\n")
}

func (s *session) write(frame string) {
	s.logger.Debug("at send", "frame", strings.TrimSpace(frame))
	if _, err := io.WriteString(s.conn, frame); err != nil {
		s.logger.Error("at write", "err", err)
	}
}

func (s *session) atResponse(code native.AtResponse, errorCode int) {
	if code == native.AtOK {
		s.writeResult("OK")
		return
	}
	s.mu.Lock()
	cmee := s.cmee
	s.mu.Unlock()
	if cmee && errorCode > 0 {
		s.writeResult("+CME ERROR: " + strconv.Itoa(errorCode))
		return
	}
	s.writeResult("ERROR")
}

func (s *session) cindResponse(c native.Cind) {
	call := native.PhoneCall{NumActive: c.NumActive, NumHeld: c.NumHeld, State: c.CallState}
	s.mu.Lock()
	s.ind[indService] = c.Service
	s.ind[indCall] = callIndicator(call)
	s.ind[indCallSetup] = callSetupIndicator(call.State)
	s.ind[indCallHeld] = callHeldIndicator(call)
	s.ind[indSignal] = c.Signal
	s.ind[indRoam] = c.Roam
	s.ind[indBattery] = c.BatteryCharge
	vals := make([]string, 0, numIndicators)
	for i := 1; i <= numIndicators; i++ {
		vals = append(vals, strconv.Itoa(s.ind[i]))
	}
	s.mu.Unlock()
	s.writeLine("+CIND: " + strings.Join(vals, ","))
	s.writeResult("OK")
}

func (s *session) copsResponse(operator string) {
	s.writeLine(fmt.Sprintf("+COPS: 0,0,%q", operator))
	s.writeResult("OK")
}

func (s *session) clccResponse(c native.Clcc) {
	if c.Index == 0 {
		s.writeResult("OK")
		return
	}
	mpty := 0
	if c.Multiparty {
		mpty = 1
	}
	line := fmt.Sprintf("+CLCC: %d,%d,%d,%d,%d", c.Index, c.Direction, c.Status, c.Mode, mpty)
	if c.Number != "" {
		line += fmt.Sprintf(",%q,%d", c.Number, c.Type)
	}
	s.writeLine(line)
}

func (s *session) deviceStatus(st native.DeviceStatus) {
	s.setIndicators(map[int]int{
		indService: st.Service,
		indRoam:    st.Roam,
		indSignal:  st.Signal,
		indBattery: st.BatteryCharge,
	})
}

func (s *session) phoneState(c native.PhoneCall) {
	s.setIndicators(map[int]int{
		indCall:      callIndicator(c),
		indCallSetup: callSetupIndicator(c.State),
		indCallHeld:  callHeldIndicator(c),
	})

	s.mu.Lock()
	prev := s.call
	s.call = c
	clip, ccwa := s.clip, s.ccwa
	switch {
	case c.State == native.CallIncoming && prev.State != native.CallIncoming:
		s.startRingLocked()
	case c.State != native.CallIncoming:
		s.stopRingLocked()
	}
	s.mu.Unlock()

	if c.State == native.CallIncoming && prev.State != native.CallIncoming {
		s.writeLine("RING")
		if clip && c.Number != "" {
			s.writeLine(fmt.Sprintf("+CLIP: %q,%d", c.Number, c.Type))
		}
	}
	if c.State == native.CallWaiting && prev.State != native.CallWaiting && ccwa {
		s.writeLine(fmt.Sprintf("+CCWA: %q,%d", c.Number, c.Type))
	}
}

// setIndicators sends +CIEV for every changed, enabled indicator in
// ascending index order.
func (s *session) setIndicators(vals map[int]int) {
	s.mu.Lock()
	var out []string
	for i := 1; i <= numIndicators; i++ {
		v, ok := vals[i]
		if !ok || s.ind[i] == v {
			continue
		}
		s.ind[i] = v
		if s.cmer && s.enabled[i] {
			out = append(out, fmt.Sprintf("+CIEV: %d,%d", i, v))
		}
	}
	s.mu.Unlock()
	for _, line := range out {
		s.writeLine(line)
	}
}

func (s *session) startRingLocked() {
	s.stopRingLocked()
	var tick func()
	tick = func() {
		s.mu.Lock()
		if s.ring == nil || s.closed || s.call.State != native.CallIncoming {
			s.mu.Unlock()
			return
		}
		s.ring = time.AfterFunc(ringInterval, tick)
		c, clip := s.call, s.clip
		s.mu.Unlock()
		s.writeLine("RING")
		if clip && c.Number != "" {
			s.writeLine(fmt.Sprintf("+CLIP: %q,%d", c.Number, c.Type))
		}
	}
	s.ring = time.AfterFunc(ringInterval, tick)
}

func (s *session) stopRingLocked() {
	if s.ring != nil {
		s.ring.Stop()
		s.ring = nil
	}
}

func callIndicator(c native.PhoneCall) int {
	if c.NumActive+c.NumHeld > 0 {
		return 1
	}
	return 0
}

func callSetupIndicator(st native.CallState) int {
	switch st {
	case native.CallIncoming, native.CallWaiting:
		return 1
	case native.CallDialing:
		return 2
	case native.CallAlerting:
		return 3
	}
	return 0
}

func callHeldIndicator(c native.PhoneCall) int {
	switch {
	case c.NumHeld > 0 && c.NumActive > 0:
		return 1
	case c.NumHeld > 0:
		return 2
	}
	return 0
}

// argString returns what follows the first '=' of an AT body.
func argString(body string) string {
	if i := strings.IndexByte(body, '='); i >= 0 {
		return strings.TrimSpace(body[i+1:])
	}
	return ""
}

// argInt parses the first argument of an AT body, or -1.
func argInt(body string) int {
	v := argString(body)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return -1
	}
	return n
}
