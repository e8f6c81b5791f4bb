// Package generator is a small domain module used to exercise type-scoped
// key sharing: every stream of this type within a partition is meant to
// share one key, so destroying a partition's keys affects all of that
// partition's generator streams together and none of another partition's.
package generator

import (
	"encoding/json"

	"github.com/wataruoguchi/emmett-go/internal/eventlog"
	"github.com/wataruoguchi/emmett-go/internal/projection"
)

const StreamType = "generator"

const EventReadingRecorded = "ReadingRecorded"

type ReadingRecorded struct {
	Watts int `json:"watts"`
}

// State accumulates a generator's recorded readings.
type State struct {
	ReadingCount int `json:"reading_count"`
	TotalWatts   int `json:"total_watts"`
}

func InitialState() interface{} { return &State{} }

func Evolve(raw interface{}, event eventlog.Message) interface{} {
	s, _ := raw.(*State)
	if s == nil {
		s = &State{}
	}
	if event.MessageType == EventReadingRecorded {
		var payload ReadingRecorded
		if err := json.Unmarshal(event.MessageData, &payload); err == nil {
			s.ReadingCount++
			s.TotalWatts += payload.Watts
		}
	}
	return s
}

func ExtractKeys(event eventlog.Message, partition string) map[string]string {
	return map[string]string{"partition": partition, "stream_id": event.StreamID}
}

func MapToColumns(raw interface{}) map[string]interface{} {
	s, _ := raw.(*State)
	if s == nil {
		s = &State{}
	}
	return map[string]interface{}{"reading_count": s.ReadingCount, "total_watts": s.TotalWatts}
}

func Spec() projection.Spec {
	return projection.Spec{
		TableName:    "generator_snapshots",
		ExtractKeys:  ExtractKeys,
		Evolve:       Evolve,
		InitialState: InitialState,
		MapToColumns: MapToColumns,
	}
}
