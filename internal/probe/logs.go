package probe

import (
	"net/http"
	"strconv"

	"github.com/ushineko/fetchgate/internal/logbuf"
)

// LogsResponse is the JSON structure returned by the logs endpoint.
type LogsResponse struct {
	Level   string         `json:"level"`
	Entries []logbuf.Entry `json:"entries"`
}

// LogsHandler serves the newest buffered log entries. Query parameters:
// n (default 100, at most the buffer size) and level (default INFO).
func LogsHandler(buf *logbuf.Buffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		n, err := strconv.Atoi(q.Get("n"))
		if err != nil || n <= 0 {
			n = 100
		}

		level := logbuf.ParseLevel(q.Get("level"))

		writeJSON(w, LogsResponse{
			Level:   level.String(),
			Entries: buf.Recent(n, level),
		})
	}
}
