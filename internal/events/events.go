// Package events defines the pipeline's wire events and their encodings.
// Events are plain values until they reach an encoder at the transport
// boundary.
package events

import (
	"github.com/Keyring-Network/keyring-historian/internal/evidence"
)

const (
	NameCreative      = "creative"
	NameCreativeDone  = "creative_done"
	NameEvidence      = "evidence"
	NameResearchDone  = "research_done"
	NameHistorian     = "historian"
	NameHistorianDone = "historian_done"
	NameError         = "error"
)

// Event is one unit of the incremental delivery protocol. The set of
// implementations is closed.
type Event interface {
	Name() string
	Payload() any
	event()
}

type Creative struct {
	Delta string
}

type CreativeDone struct {
	Text string
}

type Evidence struct {
	Item evidence.Item
}

type ResearchDone struct {
	Count int
}

type Historian struct {
	Delta string
}

type HistorianDone struct{}

type Error struct {
	Message string
}

type deltaPayload struct {
	Delta string `json:"delta"`
}

type textPayload struct {
	Text string `json:"text"`
}

type countPayload struct {
	Count int `json:"count"`
}

type okPayload struct {
	OK bool `json:"ok"`
}

type messagePayload struct {
	Message string `json:"message"`
}

func (Creative) Name() string { return NameCreative }

func (e Creative) Payload() any { return deltaPayload{Delta: e.Delta} }

func (CreativeDone) Name() string { return NameCreativeDone }

func (e CreativeDone) Payload() any { return textPayload{Text: e.Text} }

func (Evidence) Name() string { return NameEvidence }

func (e Evidence) Payload() any { return e.Item }

func (ResearchDone) Name() string { return NameResearchDone }

func (e ResearchDone) Payload() any { return countPayload{Count: e.Count} }

func (Historian) Name() string { return NameHistorian }

func (e Historian) Payload() any { return deltaPayload{Delta: e.Delta} }

func (HistorianDone) Name() string { return NameHistorianDone }

func (HistorianDone) Payload() any { return okPayload{OK: true} }

func (Error) Name() string { return NameError }

func (e Error) Payload() any { return messagePayload{Message: e.Message} }

func (Creative) event()      {}
func (CreativeDone) event()  {}
func (Evidence) event()      {}
func (ResearchDone) event()  {}
func (Historian) event()     {}
func (HistorianDone) event() {}
func (Error) event()         {}

// Terminal reports whether ev ends a stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case HistorianDone, Error:
		return true
	default:
		return false
	}
}
