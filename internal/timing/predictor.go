// Package timing picks the instant a follow-up should go out.
package timing

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/unclebandit/followup-engine/internal/behavior"
	"github.com/unclebandit/followup-engine/internal/clock"
	"github.com/unclebandit/followup-engine/internal/model"
)

const (
	defaultJitter = 30 * time.Minute

	baseConfidence = 0.5
	fastConfidence = 0.8
	slowConfidence = 0.7
	boost          = 0.1
	boostCap       = 0.9
	hotBoost       = 0.15
	hotCap         = 0.95
	coldPenalty    = 0.1
	coldFloor      = 0.3

	fastReplyCeiling  = 2 * time.Hour
	slowReplyFloor    = 24 * time.Hour
	slowReplyLatency  = 24 * time.Hour
	fastReplyLatency  = time.Hour
	preferredDayReach = 2

	openHour  = 9
	closeHour = 21
)

// Prediction is the chosen send instant with how sure the predictor is about it.
type Prediction struct {
	SendAt     time.Time `json:"send_at"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
}

// Predictor turns a behavior profile into a send time.
// It is safe for concurrent use.
type Predictor struct {
	clock  clock.Clock
	loc    *time.Location
	jitter time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Predictor.
type Option func(*Predictor)

// WithClock sets the source of "now".
func WithClock(c clock.Clock) Option {
	return func(p *Predictor) {
		p.clock = c
	}
}

// WithRand sets the random source used for jitter.
func WithRand(r *rand.Rand) Option {
	return func(p *Predictor) {
		p.rnd = r
	}
}

// WithLocation sets the time zone business hours are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(p *Predictor) {
		p.loc = loc
	}
}

// WithJitter sets the symmetric jitter bound. Zero disables jitter.
func WithJitter(d time.Duration) Option {
	return func(p *Predictor) {
		p.jitter = d
	}
}

// NewPredictor constructs a Predictor with defaults and optional settings.
func NewPredictor(opts ...Option) *Predictor {
	p := &Predictor{jitter: defaultJitter}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = clock.System{}
	}
	if p.loc == nil {
		p.loc = time.UTC
	}
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if p.jitter < 0 {
		p.jitter = 0
	}
	return p
}

// Location returns the time zone predictions are made in.
func (p *Predictor) Location() *time.Location {
	return p.loc
}

// JitterBound returns the maximum absolute jitter applied to a prediction.
func (p *Predictor) JitterBound() time.Duration {
	return p.jitter
}

// Predict applies the timing rules in order; later rules may override earlier ones.
func (p *Predictor) Predict(profile behavior.Profile, baseDelay time.Duration, temp model.Temperature) Prediction {
	now := p.clock.Now().In(p.loc)
	if baseDelay < 0 {
		baseDelay = 0
	}

	sendAt := now.Add(baseDelay)
	confidence := baseConfidence
	var trail []string
	trail = append(trail, fmt.Sprintf("base delay %s", baseDelay))

	if lat := profile.AverageResponseLatency; lat != nil {
		switch {
		case *lat < fastReplyLatency:
			sendAt = now.Add(min(baseDelay, fastReplyCeiling))
			confidence = fastConfidence
			trail = append(trail, fmt.Sprintf("fast responder (avg reply %s)", lat.Round(time.Minute)))
		case *lat > slowReplyLatency:
			sendAt = now.Add(max(baseDelay, slowReplyFloor))
			confidence = slowConfidence
			trail = append(trail, fmt.Sprintf("slow responder (avg reply %s)", lat.Round(time.Minute)))
		}
	}

	if len(profile.PreferredHours) > 0 {
		hour := profile.PreferredHours[0]
		if hour != sendAt.Hour() {
			next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, p.loc)
			if !next.After(now) {
				next = next.AddDate(0, 0, 1)
			}
			if next.After(sendAt) {
				sendAt = next
				confidence = math.Min(confidence+boost, boostCap)
				trail = append(trail, fmt.Sprintf("preferred hour %02d:00", hour))
			}
		}
	}

	if len(profile.PreferredDays) > 0 && temp != model.TemperatureHot {
		day := profile.PreferredDays[0]
		if day != now.Weekday() {
			ahead := (int(day) - int(sendAt.Weekday()) + 7) % 7
			if ahead > 0 && ahead <= preferredDayReach {
				sendAt = sendAt.AddDate(0, 0, ahead)
				confidence = math.Min(confidence+boost, boostCap)
				trail = append(trail, fmt.Sprintf("preferred day %s", day))
			}
		}
	}

	if clamped := clampBusinessHours(sendAt); !clamped.Equal(sendAt) {
		sendAt = clamped
		trail = append(trail, "moved into business hours")
	}
	if shifted := skipWeekend(sendAt); !shifted.Equal(sendAt) {
		sendAt = shifted
		trail = append(trail, "moved off weekend")
	}

	switch temp {
	case model.TemperatureHot:
		confidence = math.Min(confidence+hotBoost, hotCap)
		trail = append(trail, "hot lead")
	case model.TemperatureCold:
		confidence = math.Max(confidence-coldPenalty, coldFloor)
		trail = append(trail, "cold lead")
	}

	if p.jitter > 0 {
		offset := p.drawJitter()
		sendAt = withinBusinessDay(sendAt.Add(offset), sendAt)
		trail = append(trail, fmt.Sprintf("jitter %s", offset.Round(time.Second)))
	}

	return Prediction{
		SendAt:     sendAt,
		Confidence: math.Round(confidence*100) / 100,
		Reason:     strings.Join(trail, "; "),
	}
}

func (p *Predictor) drawJitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rnd.Int63n(int64(2*p.jitter)+1)) - p.jitter
}

// Normalize moves t into business hours on a weekday without any jitter.
// Normalize(Normalize(t)) == Normalize(t).
func Normalize(t time.Time) time.Time {
	return skipWeekend(clampBusinessHours(t))
}

func atOpen(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), openHour, 0, 0, 0, t.Location())
}

func clampBusinessHours(t time.Time) time.Time {
	switch {
	case t.Hour() < openHour:
		return atOpen(t)
	case t.Hour() > closeHour:
		return atOpen(t.AddDate(0, 0, 1))
	}
	return t
}

func skipWeekend(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return atOpen(t.AddDate(0, 0, 2))
	case time.Sunday:
		return atOpen(t.AddDate(0, 0, 1))
	}
	return t
}

// withinBusinessDay keeps a jittered instant on the same day as anchor and inside [09:00, 22:00).
func withinBusinessDay(t, anchor time.Time) time.Time {
	lo := atOpen(anchor)
	hi := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), closeHour+1, 0, 0, 0, anchor.Location()).Add(-time.Second)
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}
