package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
)

// contactRequest is the JSON body for creating or updating a contact.
type contactRequest struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	PhotoURI    string `json:"photo_uri"`
	Favorite    bool   `json:"favorite"`
}

// contactResponse is the JSON shape of a contact.
type contactResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	PhotoURI    string `json:"photo_uri,omitempty"`
	Favorite    bool   `json:"favorite"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toContactResponse(c *models.Contact) contactResponse {
	return contactResponse{
		ID:          c.ID,
		Name:        c.Name,
		PhoneNumber: c.PhoneNumber,
		PhotoURI:    c.PhotoURI,
		Favorite:    c.Favorite,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func validateContactRequest(req contactRequest) string {
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateNoControlChars("name", req.Name); msg != "" {
		return msg
	}
	if msg := validatePhoneNumber("phone_number", req.PhoneNumber); msg != "" {
		return msg
	}
	return validatePhotoURI("photo_uri", req.PhotoURI)
}

// handleListContacts returns the address book, favorites first, optionally
// filtered by ?q= against name and number.
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	contacts, err := s.contacts.List(r.Context())
	if err != nil {
		s.logger.Error("list contacts: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]contactResponse, 0, len(contacts))
	for i := range contacts {
		c := &contacts[i]
		if q != "" && !strings.Contains(strings.ToLower(c.Name), q) && !strings.Contains(c.PhoneNumber, q) {
			continue
		}
		all = append(all, toContactResponse(c))
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Favorite && !all[j].Favorite
	})

	total := len(all)
	start := min(pg.Offset, total)
	end := min(start+pg.Limit, total)

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  all[start:end],
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleCreateContact adds a contact.
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateContactRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	c := &models.Contact{
		Name:        strings.TrimSpace(req.Name),
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		PhotoURI:    req.PhotoURI,
		Favorite:    req.Favorite,
	}
	if err := s.contacts.Create(r.Context(), c); err != nil {
		s.logger.Error("create contact: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Re-fetch to get timestamps populated by the database.
	created, err := s.contacts.GetByID(r.Context(), c.ID)
	if err != nil || created == nil {
		s.logger.Error("create contact: failed to re-fetch", "error", err, "contact_id", c.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("contact created", "contact_id", created.ID)
	writeJSON(w, http.StatusCreated, toContactResponse(created))
}

// handleGetContact returns a single contact.
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	c, err := s.contacts.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get contact: failed to query", "error", err, "contact_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	writeJSON(w, http.StatusOK, toContactResponse(c))
}

// handleUpdateContact replaces a contact's fields.
func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	var req contactRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateContactRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	err := s.contacts.Update(r.Context(), &models.Contact{
		ID:          id,
		Name:        strings.TrimSpace(req.Name),
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		PhotoURI:    req.PhotoURI,
		Favorite:    req.Favorite,
	})
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	if err != nil {
		s.logger.Error("update contact: failed to update", "error", err, "contact_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.contacts.GetByID(r.Context(), id)
	if err != nil || updated == nil {
		s.logger.Error("update contact: failed to re-fetch", "error", err, "contact_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("contact updated", "contact_id", id)
	writeJSON(w, http.StatusOK, toContactResponse(updated))
}

// handleDeleteContact removes a contact. Existing call log entries keep the
// name they were written with.
func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	err := s.contacts.Delete(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	if err != nil {
		s.logger.Error("delete contact: failed to delete", "error", err, "contact_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("contact deleted", "contact_id", id)
	w.WriteHeader(http.StatusNoContent)
}
