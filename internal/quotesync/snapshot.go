package quotesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const snapshotSchemaURL = "https://quotesync.local/snapshot.schema.json"

const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["userId", "sources"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "sources": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "userId": {"type": "string"},
          "title": {"type": "string"},
          "subtitle": {"type": "string"},
          "author": {"type": "string"},
          "origin": {"type": "string"},
          "imageUrl": {"type": "string"},
          "ignored": {"type": "boolean"},
          "quotes": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "content"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "sourceId": {"type": "string"},
                "content": {"type": "string"},
                "location": {"type": "string"},
                "color": {"type": "string"},
                "note": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

var (
	snapshotSchemaOnce     sync.Once
	snapshotSchemaCompiled *jsonschema.Schema
	snapshotSchemaErr      error
)

func compiledSnapshotSchema() (*jsonschema.Schema, error) {
	snapshotSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchema))
		if err != nil {
			snapshotSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(snapshotSchemaURL, doc); err != nil {
			snapshotSchemaErr = err
			return
		}
		snapshotSchemaCompiled, snapshotSchemaErr = compiler.Compile(snapshotSchemaURL)
	})
	return snapshotSchemaCompiled, snapshotSchemaErr
}

// DecodeSnapshot validates data against the snapshot schema and decodes it.
// Quotes without a sourceId inherit their source's id.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	schema, err := compiledSnapshotSchema()
	if err != nil {
		return Snapshot{}, fmt.Errorf("compile snapshot schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: snapshot is not valid json: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	for i := range snapshot.Sources {
		source := &snapshot.Sources[i]
		if source.UserID == "" {
			source.UserID = snapshot.UserID
		}
		for j := range source.Quotes {
			if source.Quotes[j].SourceID == "" {
				source.Quotes[j].SourceID = source.ID
			}
		}
	}
	return snapshot, nil
}

func LoadSnapshotFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	return DecodeSnapshot(data)
}

// MemoryLibrary serves snapshots held in memory, keyed by user.
type MemoryLibrary struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewMemoryLibrary(snapshots ...Snapshot) *MemoryLibrary {
	lib := &MemoryLibrary{snapshots: map[string]Snapshot{}}
	for _, snapshot := range snapshots {
		lib.Put(snapshot)
	}
	return lib
}

func (l *MemoryLibrary) Put(snapshot Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots[snapshot.UserID] = snapshot
}

func (l *MemoryLibrary) LoadSnapshot(ctx context.Context, userID string) (Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snapshot, ok := l.snapshots[userID]
	if !ok {
		return Snapshot{UserID: userID, Sources: []Source{}}, nil
	}
	return snapshot, nil
}

func (l *MemoryLibrary) LoadSource(ctx context.Context, userID, sourceID string) (Source, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, source := range l.snapshots[userID].Sources {
		if source.ID == sourceID {
			return source, nil
		}
	}
	return Source{}, ErrNotFound
}
