// Package api exposes a controller over HTTP for an out-of-process user interface: JSON requests
// for operations, server-sent events for state streams and a WebSocket for jogging.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/fornellas/slogxt/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fornellas/grblctl/controller"
	"github.com/fornellas/grblctl/execution"
	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/jog"
	"github.com/fornellas/grblctl/oplock"
	"github.com/fornellas/grblctl/probe"
	"github.com/fornellas/grblctl/queue"
	"github.com/fornellas/grblctl/recovery"
	"github.com/fornellas/grblctl/status"
)

// maxProgramSize bounds uploaded programs.
const maxProgramSize = 64 << 20

type Server struct {
	http.Handler
	controller *controller.Controller
	events     *sse.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewServer builds the routes. ctx carries the logger used for requests. Events only flow while
// Run runs.
func NewServer(ctx context.Context, c *controller.Controller) *Server {
	logger := log.MustLogger(ctx).WithGroup("API")
	s := &Server{
		controller: c,
		events: sse.NewServer(&sse.Options{
			Logger: slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		}),
		logger: logger,
	}

	router := mux.NewRouter()
	router.Use(s.withLogger)

	// No subrouter: routes under one would answer a wrong method with 404 instead of 405.
	router.HandleFunc("/api/program", s.loadProgram).Methods(http.MethodPost)
	router.HandleFunc("/api/session", s.getSession).Methods(http.MethodGet)
	router.HandleFunc("/api/session/resume-from-line", s.resumeFromLine).Methods(http.MethodPost)
	router.HandleFunc("/api/session/{action:run|pause|resume|stop|clear}", s.sessionAction).Methods(http.MethodPost)
	router.HandleFunc("/api/jog", s.jogSocket).Methods(http.MethodGet)
	router.HandleFunc("/api/jog/step", s.jogStep).Methods(http.MethodPost)
	router.HandleFunc("/api/probe", s.probe).Methods(http.MethodPost)
	router.HandleFunc("/api/recover", s.recover).Methods(http.MethodPost)
	router.HandleFunc("/api/state", s.getState).Methods(http.MethodGet)
	router.HandleFunc("/api/settings", s.getSettings).Methods(http.MethodGet)

	router.Handle("/events/{stream:state|transitions|session|connection}", s.events).Methods(http.MethodGet)

	s.Handler = router
	return s
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, logger := log.MustWithGroupAttrs(
			log.WithLogger(r.Context(), s.logger),
			"Request",
			"method", r.Method,
			"path", r.URL.Path,
		)
		logger.Debug("Handling")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.MustLogger(ctx).Warn("Failed to write response", "err", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

//gocyclo:ignore
func errorCode(err error) int {
	switch {
	case errors.Is(err, execution.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrInvalidTransition),
		errors.Is(err, oplock.ErrAlreadyRunning),
		errors.Is(err, status.ErrBusy),
		errors.Is(err, status.ErrAlarm),
		errors.Is(err, jog.ErrJogActive),
		errors.Is(err, jog.ErrNotReady),
		errors.Is(err, jog.ErrAtLimit):
		return http.StatusConflict
	case errors.Is(err, queue.ErrCommandRejected),
		errors.Is(err, probe.ErrToleranceFailure),
		errors.Is(err, probe.ErrNoContact),
		errors.Is(err, probe.ErrNoResult),
		errors.Is(err, probe.ErrNotMeasured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrConfirmationTimeout),
		errors.Is(err, recovery.ErrHoldTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, execution.ErrNotStarted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(ctx context.Context, w http.ResponseWriter, code int, err error) {
	logger := log.MustLogger(ctx)
	if code >= http.StatusInternalServerError {
		logger.Error("Request failed", "code", code, "err", err)
	} else {
		logger.Info("Request refused", "code", code, "err", err)
	}
	writeJSON(ctx, w, code, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type loadResponse struct {
	ID    string `json:"id"`
	Lines int    `json:"lines"`
}

func (s *Server) loadProgram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	program, err := execution.ReadProgram(io.LimitReader(r.Body, maxProgramSize))
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	id, err := s.controller.Execution.Load(ctx, program)
	if err != nil {
		writeError(ctx, w, errorCode(err), err)
		return
	}
	writeJSON(ctx, w, http.StatusCreated, loadResponse{ID: id, Lines: len(program)})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.controller.Execution.Info()
	if err != nil {
		writeError(r.Context(), w, errorCode(err), err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, info)
}

func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	manager := s.controller.Execution
	var err error
	switch action := mux.Vars(r)["action"]; action {
	case "run":
		err = manager.Start(ctx)
	case "pause":
		err = manager.Pause(ctx)
	case "resume":
		err = manager.Resume(ctx)
	case "stop":
		err = manager.Stop(ctx)
	case "clear":
		err = manager.Clear(ctx)
	default:
		panic(fmt.Sprintf("bug: unrouted session action %#v", action))
	}
	if err != nil {
		writeError(ctx, w, errorCode(err), err)
		return
	}
	info, err := manager.Info()
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(ctx, w, http.StatusOK, info)
}

type resumeFromLineRequest struct {
	// Line is the 1 based program line to resume from, 0 for the line after the last acknowledged.
	Line int `json:"line"`
}

func (s *Server) resumeFromLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var request resumeFromLineRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	if err := s.controller.Execution.ResumeFromLine(ctx, request.Line); err != nil {
		writeError(ctx, w, errorCode(err), err)
		return
	}
	info, err := s.controller.Execution.Info()
	if err != nil {
		writeError(ctx, w, errorCode(err), err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, info)
}

type jogRequest struct {
	Axis      string  `json:"axis"`
	Direction int     `json:"direction"`
	Feed      float64 `json:"feed,omitempty"`
	Distance  float64 `json:"distance,omitempty"`
}

func (j jogRequest) request() jog.Request {
	return jog.Request{Axis: j.Axis, Direction: j.Direction, Feed: j.Feed, Distance: j.Distance}
}

func (s *Server) jogStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var request jogRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	if err := s.controller.Jog.Step(ctx, request.request()); err != nil {
		writeError(ctx, w, errorCode(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type probeStepRequest struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	WaitForIdle bool   `json:"wait_for_idle,omitempty"`
	// Timeout and Delay are Go durations, such as "1.5s".
	Timeout string `json:"timeout,omitempty"`
	Delay   string `json:"delay,omitempty"`
	Probe   bool   `json:"probe,omitempty"`
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative", name)
	}
	return d, nil
}

func (r probeStepRequest) step() (probe.Step, error) {
	if r.Command == "" {
		return probe.Step{}, errors.New("missing command")
	}
	timeout, err := parseDuration("timeout", r.Timeout)
	if err != nil {
		return probe.Step{}, err
	}
	delay, err := parseDuration("delay", r.Delay)
	if err != nil {
		return probe.Step{}, err
	}
	return probe.Step{
		Command:     r.Command,
		Description: r.Description,
		Wait:        probe.Wait{WaitForIdle: r.WaitForIdle, Timeout: timeout, Delay: delay},
		Probe:       r.Probe,
	}, nil
}

// probeRequest either measures an edge, with Axis and Direction, or runs Sequence as given.
type probeRequest struct {
	Axis      string `json:"axis,omitempty"`
	Direction int    `json:"direction,omitempty"`
	// Offset, when set, makes the measured edge this work coordinate.
	Offset   *float64           `json:"offset,omitempty"`
	Sequence []probeStepRequest `json:"sequence,omitempty"`
}

func (r probeRequest) sequence() (probe.Sequence, error) {
	if r.Axis != "" || r.Direction != 0 || r.Offset != nil {
		return nil, errors.New("invalid request body: sequence excludes axis, direction and offset")
	}
	sequence := make(probe.Sequence, 0, len(r.Sequence))
	for i, stepRequest := range r.Sequence {
		step, err := stepRequest.step()
		if err != nil {
			return nil, fmt.Errorf("invalid request body: step %d: %w", i+1, err)
		}
		sequence = append(sequence, step)
	}
	return sequence, nil
}

type probeResponse struct {
	Axis     string    `json:"axis"`
	Position float64   `json:"position"`
	Touches  []float64 `json:"touches"`
	Offset   *float64  `json:"offset,omitempty"`
}

type probeResult struct {
	Successful bool     `json:"successful"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Z          float64  `json:"z"`
	A          *float64 `json:"a,omitempty"`
}

type sequenceResponse struct {
	Results []probeResult `json:"results"`
}

func (s *Server) probe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var request probeRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	if len(request.Sequence) > 0 {
		s.probeSequence(w, r, request)
		return
	}
	measurement, err := s.controller.Probe.Measure(ctx, request.Axis, request.Direction)
	if err != nil {
		writeError(ctx, w, errorCode(err), err)
		return
	}
	if request.Offset != nil {
		if err := s.controller.Probe.SetWorkOffset(ctx, measurement, *request.Offset); err != nil {
			writeError(ctx, w, errorCode(err), err)
			return
		}
	}
	writeJSON(ctx, w, http.StatusOK, probeResponse{
		Axis:     measurement.Axis,
		Position: measurement.Position,
		Touches:  measurement.Touches,
		Offset:   request.Offset,
	})
}

func (s *Server) probeSequence(w http.ResponseWriter, r *http.Request, request probeRequest) {
	ctx := r.Context()
	sequence, err := request.sequence()
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	probes, err := s.controller.Probe.Run(ctx, sequence)
	if err != nil {
		writeError(ctx, w, errorCode(err), err)
		return
	}
	response := sequenceResponse{Results: make([]probeResult, 0, len(probes))}
	for _, p := range probes {
		response.Results = append(response.Results, probeResult{
			Successful: p.Successful,
			X:          p.Coordinates.X,
			Y:          p.Coordinates.Y,
			Z:          p.Coordinates.Z,
			A:          p.Coordinates.A,
		})
	}
	writeJSON(ctx, w, http.StatusOK, response)
}

func (s *Server) recover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.controller.Unlock(ctx); err != nil {
		writeError(ctx, w, errorCode(err), err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, newStateResponse(s.controller.Synchronizer.Snapshot()))
}

type stateResponse struct {
	Mode            grbl.State        `json:"mode"`
	SubState        *int              `json:"sub_state,omitempty"`
	MachinePosition *grbl.Coordinates `json:"machine_position,omitempty"`
	WorkPosition    *grbl.Coordinates `json:"work_position,omitempty"`
	FeedRate        float64           `json:"feed_rate"`
	SpindleSpeed    float64           `json:"spindle_speed"`
	LineNumber      *int              `json:"line_number,omitempty"`
	Alarm           int               `json:"alarm,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func newStateResponse(state status.MachineState) stateResponse {
	return stateResponse{
		Mode:            state.Mode,
		SubState:        state.SubState,
		MachinePosition: state.MachinePosition,
		WorkPosition:    state.WorkPosition,
		FeedRate:        state.FeedRate,
		SpindleSpeed:    state.SpindleSpeed,
		LineNumber:      state.LineNumber,
		Alarm:           state.Alarm,
		UpdatedAt:       state.UpdatedAt,
	}
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, newStateResponse(s.controller.Synchronizer.Snapshot()))
}

type settingResponse struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings := map[string]settingResponse{}
	for key, setting := range s.controller.Settings() {
		settings[key] = settingResponse{Value: setting.Value, Description: setting.Description}
	}
	writeJSON(r.Context(), w, http.StatusOK, settings)
}
