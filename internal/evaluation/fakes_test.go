package evaluation

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/knoguchi/scout/internal/llm"
	"github.com/knoguchi/scout/internal/repository"
	"github.com/knoguchi/scout/internal/vectorstore"
)

type chatCall struct {
	messages []llm.Message
	opts     llm.CompleteOptions
}

// recordingChat answers with reply(n, messages) where n counts calls from 0.
type recordingChat struct {
	mu    sync.Mutex
	calls []chatCall
	reply func(n int, messages []llm.Message) (string, error)
}

func (c *recordingChat) Complete(ctx context.Context, messages []llm.Message, opts llm.CompleteOptions) (string, error) {
	c.mu.Lock()
	n := len(c.calls)
	c.calls = append(c.calls, chatCall{messages: messages, opts: opts})
	c.mu.Unlock()
	return c.reply(n, messages)
}

func fixedReply(text string) func(int, []llm.Message) (string, error) {
	return func(int, []llm.Message) (string, error) { return text, nil }
}

type fakeRetriever struct {
	extracts []vectorstore.Extract
	errs     map[string]error
	queries  []string
	filters  []vectorstore.Filter
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, k int, filter vectorstore.Filter) ([]vectorstore.Extract, error) {
	r.queries = append(r.queries, query)
	r.filters = append(r.filters, filter)
	if err := r.errs[query]; err != nil {
		return nil, err
	}
	return r.extracts, nil
}

type fakeDocs struct {
	chunks map[uuid.UUID]*repository.Chunk
	files  map[uuid.UUID]*repository.File
	err    error
}

func (d *fakeDocs) GetChunk(ctx context.Context, id uuid.UUID) (*repository.Chunk, error) {
	if d.err != nil {
		return nil, d.err
	}
	c, ok := d.chunks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (d *fakeDocs) GetFile(ctx context.Context, id uuid.UUID) (*repository.File, error) {
	f, ok := d.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f, nil
}

// corpus builds one file with n chunks and matching extracts.
func corpus(n int) (*fakeDocs, []vectorstore.Extract) {
	file := &repository.File{ID: uuid.New(), Name: "fbc.pdf", CleanName: "Full Business Case", Source: "HM Treasury", Summary: "Costs and benefits", PublishedDate: "2023-04-01"}
	docs := &fakeDocs{
		chunks: make(map[uuid.UUID]*repository.Chunk),
		files:  map[uuid.UUID]*repository.File{file.ID: file},
	}
	var extracts []vectorstore.Extract
	for i := 0; i < n; i++ {
		c := &repository.Chunk{ID: uuid.New(), FileID: file.ID, Idx: i, PageNum: i + 1, Text: "chunk text " + string(rune('A'+i))}
		docs.chunks[c.ID] = c
		extracts = append(extracts, vectorstore.Extract{ID: c.ID.String(), FileID: file.ID.String(), Idx: i, Text: c.Text})
	}
	return docs, extracts
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}
