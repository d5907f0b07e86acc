package models

import (
	"fmt"
	"strings"
)

// ChannelType is the delivery medium of a notification.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSMS     ChannelType = "sms"
	ChannelPush    ChannelType = "push"
	ChannelInstant ChannelType = "instant"
)

// ChannelTypes lists every channel in queue declaration order.
var ChannelTypes = []ChannelType{ChannelEmail, ChannelSMS, ChannelPush, ChannelInstant}

// ParseChannelType accepts any casing and surrounding whitespace.
func ParseChannelType(s string) (ChannelType, error) {
	c := ChannelType(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel type %q", s)
	}
	return c, nil
}

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInstant:
		return true
	}
	return false
}

// PlainText reports whether bodies for this channel are rendered without
// HTML escaping.
func (c ChannelType) PlainText() bool {
	return c != ChannelEmail
}

func (c ChannelType) String() string { return string(c) }
