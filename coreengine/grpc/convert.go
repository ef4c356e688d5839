package grpc

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/runs"
)

// toStruct converts any JSON-encodable value into a Struct. Values go
// through encoding/json first because structpb only accepts plain JSON
// shapes (no []string, no time.Time).
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func eventMap(event commbus.ProgressEvent) (map[string]any, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return m, nil
}

// snapshotMap renders a run snapshot. The final record is included only
// once the run finished.
func snapshotMap(s runs.Snapshot) (map[string]any, error) {
	m := map[string]any{
		"run_id":        s.RunID,
		"pipeline":      s.Pipeline,
		"status":        string(s.Status),
		"outcome":       string(s.Outcome),
		"current_stage": s.CurrentStage,
		"started_at":    s.StartedAt.Format(time.RFC3339Nano),
	}
	if s.FinishedAt != nil {
		m["finished_at"] = s.FinishedAt.Format(time.RFC3339Nano)
	}
	if s.Err != nil {
		m["error"] = s.Err.Error()
	}

	recent := make([]any, 0, len(s.Recent))
	for _, ev := range s.Recent {
		em, err := eventMap(ev)
		if err != nil {
			return nil, err
		}
		recent = append(recent, em)
	}
	m["recent_events"] = recent

	if s.Record != nil {
		data, err := s.Record.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		var rec map[string]any
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		m["record"] = rec
	}
	return m, nil
}
