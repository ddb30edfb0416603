package journal

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/sixar-robotics/armbridge/internal/httputil"
)

// AttachAdminRoutes mounts tailsql on the journal database and a JSON view
// of recent traffic under /debug/.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+j.path, j.db, &tailsql.DBOptions{
		Label: "Bridge journal",
	})
	debug.Handle("tailsql/", "SQL live debugging of the controller journal", tsql.NewMux())

	debug.Handle("journal", "Recent controller commands and frames (JSON)", http.HandlerFunc(j.handleRecent))
	return nil
}

func (j *Journal) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	commands, err := j.RecentCommands(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	frames, err := j.RecentFrames(r.URL.Query().Get("kind"), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	outcomes, err := j.OutcomeCounts()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"session":  j.session,
		"commands": commands,
		"frames":   frames,
		"outcomes": outcomes,
		"dropped":  j.Dropped(),
	})
}
