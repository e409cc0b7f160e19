package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/mealsense/internal/retry"
)

type scriptedTransport struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

type reply struct {
	text string
	err  error
}

func (s *scriptedTransport) Complete(context.Context, Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.replies[min(s.calls, len(s.replies)-1)]
	s.calls++
	return r.text, r.err
}

func (s *scriptedTransport) Model() string { return "test-vision" }

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(tr Transport) *Client {
	return NewClient(tr,
		retry.NewWithSleeper(retry.DefaultConfig(), noSleep),
		retry.NewWithSleeper(retry.BadJSONConfig(), noSleep),
		time.Second)
}

const goodReply = `{"items":[{"name":"dal","portion_grams":200,"calories":230,"confidence":45}],"overall_confidence":45}`

var testImage = Image{Data: []byte("jpeg")}

func TestAnalyze_Success(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{{text: goodReply}}}
	res, err := newTestClient(tr).Analyze(context.Background(), Request{Image: testImage})
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelVersion != "test-vision" || len(res.Items) != 1 || res.Items[0].Name != "dal" {
		t.Errorf("result = %+v", res)
	}
	if tr.calls != 1 {
		t.Errorf("calls = %d, want 1", tr.calls)
	}
}

func TestAnalyze_RetriesBadJSONOnce(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{{text: "not json"}, {text: goodReply}}}
	if _, err := newTestClient(tr).Analyze(context.Background(), Request{Image: testImage}); err != nil {
		t.Fatal(err)
	}
	if tr.calls != 2 {
		t.Errorf("calls = %d, want 2", tr.calls)
	}
}

func TestAnalyze_PersistentBadJSONIsMalformed(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{{text: "not json"}}}
	_, err := newTestClient(tr).Analyze(context.Background(), Request{Image: testImage})
	if retry.KindOf(err) != retry.KindMalformed {
		t.Fatalf("kind = %q, want malformed", retry.KindOf(err))
	}
	// The transient policy does not retry malformed output.
	if tr.calls != 2 {
		t.Errorf("calls = %d, want 2", tr.calls)
	}
}

func TestAnalyze_RetriesServerError(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{
		{err: retry.HTTPStatus(503, "overloaded")},
		{text: goodReply},
	}}
	if _, err := newTestClient(tr).Analyze(context.Background(), Request{Image: testImage}); err != nil {
		t.Fatal(err)
	}
	if tr.calls != 2 {
		t.Errorf("calls = %d, want 2", tr.calls)
	}
}

func TestAnalyze_ServerErrorExhaustsBudget(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{{err: retry.HTTPStatus(500, "boom")}}}
	_, err := newTestClient(tr).Analyze(context.Background(), Request{Image: testImage})
	if retry.KindOf(err) != retry.KindServer {
		t.Errorf("kind = %q, want server", retry.KindOf(err))
	}
	if tr.calls != 2 {
		t.Errorf("calls = %d, want 2", tr.calls)
	}
}

func TestAnalyze_PermanentNotRetried(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{{err: retry.HTTPStatus(401, "bad key")}}}
	_, err := newTestClient(tr).Analyze(context.Background(), Request{Image: testImage})
	if retry.KindOf(err) != retry.KindPermanent {
		t.Errorf("kind = %q, want permanent", retry.KindOf(err))
	}
	if tr.calls != 1 {
		t.Errorf("calls = %d, want 1", tr.calls)
	}
}

func TestAnalyze_UntaggedTransportErrorIsClassified(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{{err: context.DeadlineExceeded}, {text: goodReply}}}
	if _, err := newTestClient(tr).Analyze(context.Background(), Request{Image: testImage}); err != nil {
		t.Fatal(err)
	}
	if tr.calls != 2 {
		t.Errorf("timeout should be retried: calls = %d", tr.calls)
	}
}

func TestAnalyze_RejectsMissingImage(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{{text: goodReply}}}
	_, err := newTestClient(tr).Analyze(context.Background(), Request{})
	var re *retry.Error
	if !errors.As(err, &re) || re.Kind != retry.KindPermanent {
		t.Errorf("err = %v, want permanent retry error", err)
	}
	if tr.calls != 0 {
		t.Errorf("transport called %d times", tr.calls)
	}
}
