package guest

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/mdlayher/vsock"

	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/wire"
)

// RunExecServer listens on vsock port 4089 and serves exec requests
// until the listener fails. Each connection carries a single HTTP
// POST /exec with a JSON ExecRequest body and receives a JSON
// ExecOutput.
func RunExecServer() error {
	lis, err := vsock.Listen(wire.ExecPort, nil)
	if err != nil {
		return err
	}
	return ServeExec(lis)
}

// ServeExec serves the exec protocol on an arbitrary listener. Split
// out so tests can drive it over a pipe or TCP.
func ServeExec(lis net.Listener) error {
	logger := log.WithComponent("exec-server")
	logger.Info().Uint32("port", wire.ExecPort).Msg("Exec server listening")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /exec", func(w http.ResponseWriter, r *http.Request) {
		var req wire.ExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
			return
		}

		logger.Debug().Strs("cmd", req.Cmd).Msg("Exec request")
		out := ExecuteCommand(&req)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Warn().Err(err).Msg("Failed to write exec response")
		}
	})

	server := &http.Server{Handler: mux}
	return server.Serve(lis)
}
