package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/flow"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/transcript"
)

// maxArchiveLine bounds one jsonl line on read. Results embed full
// window snapshots and can run long.
const maxArchiveLine = 4 << 20

// TranscriptPath returns the archive path of a session transcript.
func TranscriptPath(entity, session string) string {
	return "transcripts/" + segment(entity) + "/" + segment(session) + ".jsonl"
}

// CardsPath returns the archive path of a session's analysis results.
func CardsPath(entity, session string) string {
	return "cards/" + segment(entity) + "/" + segment(session) + ".jsonl"
}

// segment flattens path separators so IDs cannot escape the layout.
func segment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	return strings.ReplaceAll(s, "\\", "_")
}

// Archive writes and reads session records through a [Sink].
type Archive struct {
	sink Sink
}

// NewArchive creates an Archive over the given sink.
func NewArchive(sink Sink) *Archive {
	return &Archive{sink: sink}
}

// SaveSession archives one finished session: the committed transcript
// entries and the analysis results, one JSON object per line. Empty
// slices write no file, so idle sessions leave no trace.
func (a *Archive) SaveSession(ctx context.Context, entity, session string, entries []*transcript.Entry, results []*flow.Result) error {
	if len(entries) > 0 {
		if err := writeLines(ctx, a.sink, TranscriptPath(entity, session), entries); err != nil {
			return fmt.Errorf("storage: archive transcript %s/%s: %w", entity, session, err)
		}
	}
	if len(results) > 0 {
		if err := writeLines(ctx, a.sink, CardsPath(entity, session), results); err != nil {
			return fmt.Errorf("storage: archive cards %s/%s: %w", entity, session, err)
		}
	}
	return nil
}

// ReadTranscript loads an archived session transcript.
func (a *Archive) ReadTranscript(ctx context.Context, entity, session string) ([]*transcript.Entry, error) {
	return readLines[*transcript.Entry](ctx, a.sink, TranscriptPath(entity, session))
}

// ReadResults loads a session's archived analysis results.
func (a *Archive) ReadResults(ctx context.Context, entity, session string) ([]*flow.Result, error) {
	return readLines[*flow.Result](ctx, a.sink, CardsPath(entity, session))
}

func writeLines[T any](ctx context.Context, sink Sink, path string, items []T) error {
	w, err := sink.Write(ctx, path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			w.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func readLines[T any](ctx context.Context, sink Sink, path string) ([]T, error) {
	r, err := sink.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var items []T
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxArchiveLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return nil, fmt.Errorf("storage: decode %s: %w", path, err)
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan %s: %w", path, err)
	}
	return items, nil
}
