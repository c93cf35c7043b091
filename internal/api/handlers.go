package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"podium/internal/auth"
	"podium/pkg/interfaces"
	"podium/pkg/types"
)

// SubmitCodeRequest is the body of POST .../attendance/code
type SubmitCodeRequest struct {
	Code string `json:"code"`
}

// DecisionRequest is the body of POST /api/speak-requests/{rid}/decision
type DecisionRequest struct {
	Decision string `json:"decision"`
}

// AdvanceRequest is the body of POST .../slides/advance
type AdvanceRequest struct {
	Direction string `json:"direction"`
}

// SelectDeckRequest is the body of POST .../slides/deck
type SelectDeckRequest struct {
	DeckID    string `json:"deck_id"`
	PageCount int    `json:"page_count"`
}

var errInvalidJSON = errors.New("invalid JSON body")

func actorOf(r *http.Request) types.Actor {
	actor, _ := auth.ActorFrom(r.Context())
	return actor
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v); err != nil {
		s.sendError(w, errInvalidJSON.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// Session lifecycle

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var req interfaces.OpenSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.coordinator.OpenSession(r.Context(), actorOf(r), req)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, "Session opened", session)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.coordinator.Snapshot(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "", snapshot)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.coordinator.CloseSession(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "Session closed", session)
}

func (s *Server) sessionForClassroom(w http.ResponseWriter, r *http.Request) {
	session, err := s.coordinator.SessionForClassroom(r.Context(), mux.Vars(r)["cid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "", session)
}

func (s *Server) publishCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.coordinator.PublishCode(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, "Attendance code published", code)
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	participant, err := s.coordinator.Join(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, "Joined session", participant)
}

func (s *Server) leave(w http.ResponseWriter, r *http.Request) {
	participant, err := s.coordinator.Leave(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "Left session", participant)
}

func (s *Server) participants(w http.ResponseWriter, r *http.Request) {
	list, err := s.coordinator.Participants(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "", list)
}

// Attendance

// beginSelfie accepts the image either as the "image" part of a multipart
// form or as the raw request body
func (s *Server) beginSelfie(w http.ResponseWriter, r *http.Request) {
	image, err := s.readImage(w, r)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	record, err := s.coordinator.BeginSelfie(r.Context(), actorOf(r), mux.Vars(r)["sid"], image)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, "Selfie captured", record)
}

func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxImageBytes+1<<10)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var src io.Reader = r.Body
	if strings.HasPrefix(mediaType, "multipart/") {
		if err := r.ParseMultipartForm(s.maxImageBytes); err != nil {
			return nil, imageReadError(err)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, types.ErrEmptyImage
		}
		defer file.Close()
		src = file
	}

	image, err := io.ReadAll(io.LimitReader(src, s.maxImageBytes+1))
	if err != nil {
		return nil, imageReadError(err)
	}
	if int64(len(image)) > s.maxImageBytes {
		return nil, types.ErrImageTooLarge
	}
	return image, nil
}

func imageReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return types.ErrImageTooLarge
	}
	return fmt.Errorf("%w: %v", types.ErrEmptyImage, err)
}

func (s *Server) submitCode(w http.ResponseWriter, r *http.Request) {
	var req SubmitCodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.coordinator.SubmitCode(r.Context(), actorOf(r), mux.Vars(r)["sid"], req.Code)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, "Attendance verified", record)
}

func (s *Server) attendanceStatus(w http.ResponseWriter, r *http.Request) {
	record, err := s.coordinator.AttendanceStatus(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "", record)
}

func (s *Server) attendanceSheet(w http.ResponseWriter, r *http.Request) {
	records, err := s.coordinator.AttendanceSheet(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "", records)
}

// Speak queue

// requestToSpeak answers a repeated request with the one already in line
func (s *Server) requestToSpeak(w http.ResponseWriter, r *http.Request) {
	request, err := s.coordinator.RequestToSpeak(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	switch {
	case errors.Is(err, types.ErrAlreadyQueued) && request != nil:
		s.sendJSON(w, http.StatusOK, "Speak request already queued", request)
	case err != nil:
		s.sendFailure(w, r, err)
	default:
		s.sendJSON(w, http.StatusCreated, "Speak request queued", request)
	}
}

func (s *Server) speakStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coordinator.SpeakStatus(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "", status)
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	pending, err := s.coordinator.Queue(r.Context(), actorOf(r), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "", pending)
}

func (s *Server) decideSpeak(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	decision, err := types.ParseDecision(req.Decision)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	request, err := s.coordinator.DecideSpeak(r.Context(), actorOf(r), mux.Vars(r)["rid"], decision)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "Speak request decided", request)
}

func (s *Server) cancelSpeak(w http.ResponseWriter, r *http.Request) {
	request, err := s.coordinator.CancelSpeak(r.Context(), actorOf(r), mux.Vars(r)["rid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "Speak request cancelled", request)
}

func (s *Server) releaseFloor(w http.ResponseWriter, r *http.Request) {
	request, err := s.coordinator.ReleaseFloor(r.Context(), actorOf(r), mux.Vars(r)["rid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "Floor released", request)
}

// Slides

func (s *Server) advanceSlide(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	direction, err := types.ParseDirection(req.Direction)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	pointer, err := s.coordinator.AdvanceSlide(r.Context(), actorOf(r), mux.Vars(r)["sid"], direction)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "", pointer)
}

func (s *Server) selectDeck(w http.ResponseWriter, r *http.Request) {
	var req SelectDeckRequest
	if !s.decode(w, r, &req) {
		return
	}
	pointer, err := s.coordinator.SelectDeck(r.Context(), actorOf(r), mux.Vars(r)["sid"], req.DeckID, req.PageCount)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "Deck selected", pointer)
}

func (s *Server) currentPointer(w http.ResponseWriter, r *http.Request) {
	pointer, err := s.coordinator.CurrentPointer(r.Context(), mux.Vars(r)["sid"])
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, "", pointer)
}
