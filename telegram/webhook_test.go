package telegram

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"
)

const testSecret = "s3cret"

func webhookRequest(secret, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/telegram/hook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	return req
}

// serve runs ServeHTTP with a deadline so a blocked handler fails the test instead of hanging it.
func serve(t *testing.T, w *Webhook, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.ServeHTTP(rec, req)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP() blocked")
	}
	return rec
}

func startPolling(t *testing.T, w *Webhook) (chan tele.Update, chan struct{}, chan struct{}) {
	t.Helper()
	dest := make(chan tele.Update, 1)
	stop := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		w.Poll(nil, dest, stop)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !w.ready() {
		if time.Now().After(deadline) {
			t.Fatal("webhook never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	return dest, stop, returned
}

func TestWebhookBeforeStart(t *testing.T) {
	w := NewWebhook(testSecret, testLogger())

	rec := serve(t, w, webhookRequest(testSecret, `{"update_id":1}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 before the bot starts", rec.Code)
	}
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	w := NewWebhook(testSecret, testLogger())

	for _, secret := range []string{"", "wrong"} {
		rec := serve(t, w, webhookRequest(secret, `{"update_id":1}`))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("secret %q: status = %d, want 401", secret, rec.Code)
		}
	}
}

func TestWebhookDeliversUpdates(t *testing.T) {
	w := NewWebhook(testSecret, testLogger())
	dest, stop, returned := startPolling(t, w)
	defer func() {
		close(stop)
		<-returned
	}()

	rec := serve(t, w, webhookRequest(testSecret, `{"update_id":42,"message":{"message_id":7,"text":"/start"}}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	select {
	case u := <-dest:
		if u.ID != 42 || u.Message == nil || u.Message.Text != "/start" {
			t.Errorf("update = %+v", u)
		}
	default:
		t.Fatal("update was not forwarded to the bot")
	}

	rec = serve(t, w, webhookRequest(testSecret, `not json`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestWebhookAfterStop(t *testing.T) {
	w := NewWebhook(testSecret, testLogger())
	_, stop, returned := startPolling(t, w)

	close(stop)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Poll() did not return after stop")
	}

	rec := serve(t, w, webhookRequest(testSecret, `{"update_id":1}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 after the bot stops", rec.Code)
	}
}
