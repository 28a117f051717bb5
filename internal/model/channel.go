// internal/model/channel.go
package model

import (
    "fmt"
    "strings"
)

// Channel is an outbound transport a step can be sent through.
type Channel string

const (
    ChannelEmail     Channel = "email"
    ChannelWhatsApp  Channel = "whatsapp"
    ChannelInstagram Channel = "instagram"
)

var knownChannels = map[Channel]bool{
    ChannelEmail:     true,
    ChannelWhatsApp:  true,
    ChannelInstagram: true,
}

// ParseChannel normalizes and validates a channel name.
func ParseChannel(s string) (Channel, error) {
    c := Channel(strings.ToLower(strings.TrimSpace(s)))
    if !knownChannels[c] {
        return "", fmt.Errorf("unknown channel %q", s)
    }
    return c, nil
}

// Temperature is the coarse engagement tier of a lead.
type Temperature string

const (
    TemperatureHot  Temperature = "hot"
    TemperatureWarm Temperature = "warm"
    TemperatureCold Temperature = "cold"
)

// ParseTemperature defaults to warm for an empty value.
func ParseTemperature(s string) (Temperature, error) {
    switch t := Temperature(strings.ToLower(strings.TrimSpace(s))); t {
    case "":
        return TemperatureWarm, nil
    case TemperatureHot, TemperatureWarm, TemperatureCold:
        return t, nil
    }
    return "", fmt.Errorf("unknown temperature %q", s)
}
