package planner

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/unclebandit/followup-engine/internal/model"
)

// Entry is one row of the cadence table. Rows sharing a day are channel
// alternatives for that step, tried in the order they appear.
type Entry struct {
	Day         int           `yaml:"day" json:"day"`
	Channel     model.Channel `yaml:"channel" json:"channel"`
	ContentSlot string        `yaml:"content_slot" json:"content_slot"`
}

// Cadence is the day-indexed follow-up sequence grouped into steps.
type Cadence struct {
	steps [][]Entry
}

// DefaultEntries is the email-first cadence used when no table is configured.
func DefaultEntries() []Entry {
	return []Entry{
		{Day: 0, Channel: model.ChannelEmail, ContentSlot: "intro"},
		{Day: 1, Channel: model.ChannelEmail, ContentSlot: "bump"},
		{Day: 3, Channel: model.ChannelWhatsApp, ContentSlot: "value"},
		{Day: 3, Channel: model.ChannelEmail, ContentSlot: "value"},
		{Day: 5, Channel: model.ChannelInstagram, ContentSlot: "social"},
		{Day: 5, Channel: model.ChannelWhatsApp, ContentSlot: "social"},
		{Day: 7, Channel: model.ChannelEmail, ContentSlot: "breakup"},
	}
}

// NewCadence validates entries and groups them by day.
func NewCadence(entries []Entry) (*Cadence, error) {
	if len(entries) == 0 {
		return nil, errors.New("cadence has no entries")
	}
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Day < sorted[j].Day })

	c := &Cadence{}
	for _, e := range sorted {
		if e.Day < 0 {
			return nil, fmt.Errorf("cadence day %d is negative", e.Day)
		}
		ch, err := model.ParseChannel(string(e.Channel))
		if err != nil {
			return nil, fmt.Errorf("cadence day %d: %w", e.Day, err)
		}
		e.Channel = ch
		if e.ContentSlot == "" {
			e.ContentSlot = fmt.Sprintf("day%d", e.Day)
		}
		n := len(c.steps)
		if n > 0 && c.steps[n-1][0].Day == e.Day {
			c.steps[n-1] = append(c.steps[n-1], e)
			continue
		}
		c.steps = append(c.steps, []Entry{e})
	}
	return c, nil
}

// Len returns the number of steps.
func (c *Cadence) Len() int {
	return len(c.steps)
}

// Day returns the configured day of a step.
func (c *Cadence) Day(step int) int {
	return c.steps[step][0].Day
}

// Option returns the idx-th channel alternative of a step.
func (c *Cadence) Option(step, idx int) (Entry, bool) {
	if step < 0 || step >= len(c.steps) || idx < 0 || idx >= len(c.steps[step]) {
		return Entry{}, false
	}
	return c.steps[step][idx], true
}

// BaseDelay is the wait between the previous step and this one.
func (c *Cadence) BaseDelay(step int) time.Duration {
	days := c.Day(step)
	if step > 0 {
		days -= c.Day(step - 1)
	}
	return time.Duration(days) * 24 * time.Hour
}

// ContentSlot names the template slot for a step and engagement tier.
func ContentSlot(e Entry, temp model.Temperature) string {
	return e.ContentSlot + "." + string(temp)
}
