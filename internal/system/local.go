package system

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"bluetooth-hfp/internal/native"
)

// Local is an in-memory platform. The daemon uses it when no telephony
// backend is attached; tests use it to observe what the gateway asked for.
type Local struct {
	phone  *PhoneState
	audio  *LocalAudio
	wake   *LocalWakeLock
	book   *LocalPhonebook
	logger *slog.Logger

	mu       sync.Mutex
	operator string
	number   string
	vrOK     bool
	clccOK   bool
	highDef  bool
	dialErr  error
	answered []native.Address
	hungUp   []native.Address
	dialed   []string
	dtmf     []int
	chld     []int
	queries  int
	vrActive bool
}

// NewLocal creates an idle in-memory platform.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{
		phone:  NewPhoneState(),
		audio:  &LocalAudio{},
		wake:   &LocalWakeLock{},
		book:   NewLocalPhonebook(),
		logger: logger,
		vrOK:   true,
	}
}

func (l *Local) PhoneState() *PhoneState { return l.phone }
func (l *Local) Audio() AudioManager     { return l.audio }
func (l *Local) WakeLock() WakeLock      { return l.wake }
func (l *Local) Phonebook() Phonebook    { return l.book }

// LocalAudio returns the concrete audio manager for inspection.
func (l *Local) LocalAudio() *LocalAudio { return l.audio }

// LocalWakeLock returns the concrete wake lock for inspection.
func (l *Local) LocalWakeLock() *LocalWakeLock { return l.wake }

// LocalPhonebook returns the concrete phonebook for seeding.
func (l *Local) LocalPhonebook() *LocalPhonebook { return l.book }

func (l *Local) IsInCall() bool  { return l.phone.InCall() }
func (l *Local) IsRinging() bool { return l.phone.Ringing() }

func (l *Local) IsHighDefCallInProgress() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.highDef
}

func (l *Local) AnswerCall(dev native.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answered = append(l.answered, dev)
	return nil
}

func (l *Local) HangupCall(dev native.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hungUp = append(l.hungUp, dev)
	return nil
}

func (l *Local) Dial(number string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dialErr != nil {
		return l.dialErr
	}
	if number == "" {
		return errors.New("system: empty number")
	}
	l.dialed = append(l.dialed, number)
	l.book.setLastDialed(number)
	return nil
}

func (l *Local) SendDtmf(tone int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dtmf = append(l.dtmf, tone)
	return nil
}

// ProcessChld accepts the 0..4 hold/multiparty operations.
func (l *Local) ProcessChld(chld int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chld = append(l.chld, chld)
	return chld >= 0 && chld <= 4
}

func (l *Local) SubscriberNumber() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.number, l.number != ""
}

func (l *Local) NetworkOperator() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.operator
}

func (l *Local) ListCurrentCalls() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clccOK
}

func (l *Local) QueryPhoneState() {
	l.mu.Lock()
	l.queries++
	l.mu.Unlock()
}

func (l *Local) ActivateVoiceRecognition() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.vrOK {
		return false
	}
	l.vrActive = true
	return true
}

func (l *Local) DeactivateVoiceRecognition() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	was := l.vrActive
	l.vrActive = false
	return was
}

func (l *Local) ListenForPhoneState(dev native.Address, enabled native.AgIndicatorEnableState) {
	l.phone.Listen(dev, enabled)
	if l.logger != nil {
		l.logger.Debug("indicator reporting", "device", dev, "indicators", enabled)
	}
}

// SetNetworkOperator sets the +COPS answer.
func (l *Local) SetNetworkOperator(name string) {
	l.mu.Lock()
	l.operator = name
	l.mu.Unlock()
}

// SetSubscriberNumber sets the +CNUM answer.
func (l *Local) SetSubscriberNumber(n string) {
	l.mu.Lock()
	l.number = n
	l.mu.Unlock()
}

// SetCallListAvailable controls ListCurrentCalls.
func (l *Local) SetCallListAvailable(ok bool) {
	l.mu.Lock()
	l.clccOK = ok
	l.mu.Unlock()
}

// SetVoiceRecognitionAvailable controls ActivateVoiceRecognition.
func (l *Local) SetVoiceRecognitionAvailable(ok bool) {
	l.mu.Lock()
	l.vrOK = ok
	l.mu.Unlock()
}

// SetHighDefCall controls IsHighDefCallInProgress.
func (l *Local) SetHighDefCall(on bool) {
	l.mu.Lock()
	l.highDef = on
	l.mu.Unlock()
}

// SetDialError makes Dial fail with err.
func (l *Local) SetDialError(err error) {
	l.mu.Lock()
	l.dialErr = err
	l.mu.Unlock()
}

// Dialed returns every number passed to Dial.
func (l *Local) Dialed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.dialed...)
}

// Answered returns the devices that answered calls.
func (l *Local) Answered() []native.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]native.Address(nil), l.answered...)
}

// HungUp returns the devices that hung up calls.
func (l *Local) HungUp() []native.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]native.Address(nil), l.hungUp...)
}

// Dtmf returns the tones sent.
func (l *Local) Dtmf() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.dtmf...)
}

// Queries returns how many times QueryPhoneState ran.
func (l *Local) Queries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queries
}

// LocalAudio records audio manager calls.
type LocalAudio struct {
	mu     sync.Mutex
	volume int
	scoOn  bool
	params []string
}

func (a *LocalAudio) SetStreamVolume(volume int, _ bool) {
	a.mu.Lock()
	a.volume = volume
	a.mu.Unlock()
}

func (a *LocalAudio) StreamVolume() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.volume
}

func (a *LocalAudio) SetBluetoothScoOn(on bool) {
	a.mu.Lock()
	a.scoOn = on
	a.mu.Unlock()
}

func (a *LocalAudio) IsBluetoothScoOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scoOn
}

func (a *LocalAudio) SetParameters(kv string) {
	a.mu.Lock()
	a.params = append(a.params, kv)
	a.mu.Unlock()
}

// Parameters returns every SetParameters argument in order.
func (a *LocalAudio) Parameters() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.params...)
}

// LocalWakeLock is a wake lock with an expiry.
type LocalWakeLock struct {
	mu    sync.Mutex
	until time.Time
}

func (w *LocalWakeLock) Acquire(timeout time.Duration) {
	w.mu.Lock()
	w.until = time.Now().Add(timeout)
	w.mu.Unlock()
}

func (w *LocalWakeLock) Release() {
	w.mu.Lock()
	w.until = time.Time{}
	w.mu.Unlock()
}

func (w *LocalWakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Now().Before(w.until)
}

// LocalPhonebook stores entries per storage name ("ME", "DC", "MC", "RC", ...).
type LocalPhonebook struct {
	mu         sync.Mutex
	lastDialed string
	storages   map[string][]PhonebookEntry
}

func NewLocalPhonebook() *LocalPhonebook {
	return &LocalPhonebook{storages: make(map[string][]PhonebookEntry)}
}

func (b *LocalPhonebook) LastDialedNumber() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDialed, b.lastDialed != ""
}

func (b *LocalPhonebook) Entries(storage string) ([]PhonebookEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.storages[storage]
	return append([]PhonebookEntry(nil), e...), ok
}

// SetEntries replaces the contents of storage.
func (b *LocalPhonebook) SetEntries(storage string, entries []PhonebookEntry) {
	b.mu.Lock()
	b.storages[storage] = append([]PhonebookEntry(nil), entries...)
	b.mu.Unlock()
}

// SetLastDialed seeds the redial number.
func (b *LocalPhonebook) SetLastDialed(number string) { b.setLastDialed(number) }

func (b *LocalPhonebook) setLastDialed(number string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastDialed = number
	// Dialed-calls storage is most recent first.
	b.storages["DC"] = append([]PhonebookEntry{{Number: number, Type: 129}}, b.storages["DC"]...)
}
