package main

import (
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
)

// TestIntegrationOfflineQueueFlow drives the offline story end to end: boot
// with the origin unreachable, park a query, restore the link, and collect
// the answer exactly once.
func TestIntegrationOfflineQueueFlow(t *testing.T) {
	if os.Getenv("SYNCACHE_INTEGRATION") == "" {
		t.Skip("set SYNCACHE_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	temp := t.TempDir()
	port := allocatePort(t)
	stub := newOriginStub(t)
	stub.setDown(true)
	configPath := writeIntegrationConfig(t, temp, port, stub.url())

	process := startServerProcess(t, configPath, nil)
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/healthz"), 45*time.Second)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	var requestID string

	t.Run("boot without a link serves nothing and reports offline", func(t *testing.T) {
		expect.GET("/content/scheme/pm-kisan").
			WithQuery("lang", "hi").
			Expect().
			Status(http.StatusNotFound)

		expect.GET("/status").
			Expect().
			Status(http.StatusOK).
			JSON().Object().
			Value("tier").String().IsEqual("offline")
	})

	t.Run("queued query parks while offline", func(t *testing.T) {
		doc := expect.POST("/queue").
			WithJSON(map[string]any{
				"payload":   map[string]any{"question": "does crop insurance cover flood loss"},
				"language":  "hi",
				"sessionId": "kiosk-7",
			}).
			Expect().
			Status(http.StatusAccepted).
			JSON().Object()

		doc.Value("status").String().IsEqual("pending")
		doc.Value("resultReady").Boolean().IsFalse()
		requestID = doc.Value("id").String().NotEmpty().Raw()

		expect.GET("/queue/" + requestID).
			Expect().
			Status(http.StatusOK).
			JSON().Object().
			Value("status").String().IsEqual("pending")
	})

	t.Run("restored link flushes the parked query", func(t *testing.T) {
		stub.setDown(false)

		queueTarget := integrationURL(port, "/queue/"+requestID)
		pollEndpoint(t, client, queueTarget, 60*time.Second, func(status int, body []byte) bool {
			return status == http.StatusOK && strings.Contains(string(body), `"status":"completed"`)
		})

		doc := expect.GET("/queue/" + requestID).
			Expect().
			Status(http.StatusOK).
			JSON().Object()
		doc.Value("resultReady").Boolean().IsTrue()
		doc.NotContainsKey("result")

		require.Equal(t, 1, stub.answerCount(), "expected exactly one origin answer call")

		// The same pass pulls content, so the cache is warm by now.
		expect.GET("/content/scheme/pm-kisan").
			WithQuery("lang", "hi").
			Expect().
			Status(http.StatusOK).
			JSON().Object().
			Value("id").String().IsEqual("pm-kisan")

		expect.GET("/status").
			Expect().
			Status(http.StatusOK).
			JSON().Object().
			Value("tier").String().IsEqual("online")
	})

	t.Run("result hands out exactly once", func(t *testing.T) {
		doc := expect.POST("/queue/" + requestID + "/result").
			Expect().
			Status(http.StatusOK).
			JSON().Object()
		doc.Value("status").String().IsEqual("completed")
		doc.Value("result").Object().
			Value("answer").String().IsEqual("crop insurance covers flood loss")

		expect.POST("/queue/" + requestID + "/result").
			Expect().
			Status(http.StatusGone)

		expect.GET("/queue/" + requestID).
			Expect().
			Status(http.StatusNotFound)
	})
}
