package fakeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/mezgeb/mezgeb/internal/schema"
)

func decodeDocument(r *http.Request) (document, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var d document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if d == nil {
		d = document{}
	}
	return d, nil
}

func stringField(d document, key string) string {
	s, _ := d[key].(string)
	return s
}

// normalizeAmount stores amounts as JSON numbers whatever form they came in.
func normalizeAmount(v any) (json.Number, error) {
	var s string
	switch a := v.(type) {
	case json.Number:
		s = a.String()
	case string:
		s = a
	case float64:
		s = fmt.Sprint(a)
	default:
		return "", fmt.Errorf("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", fmt.Errorf("amount must be a number")
	}
	return json.Number(d.String()), nil
}

// replayLocked answers a repeated create from the idempotency cache.
func (s *Server) replayLocked(w http.ResponseWriter, r *http.Request, u *user, resource string) (string, bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return "", false
	}
	cacheKey := u.ID + "|" + resource + "|" + key
	if raw, ok := s.idempotency[cacheKey]; ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(raw)
		return cacheKey, true
	}
	return cacheKey, false
}

func (s *Server) rememberLocked(cacheKey string, v any) {
	if cacheKey == "" {
		return
	}
	raw, _ := json.Marshal(v)
	s.idempotency[cacheKey] = raw
}

// ===== Auth =====

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := decodeDocument(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	phone, password, username := stringField(body, "phone"), stringField(body, "password"), stringField(body, "username")
	if phone == "" || password == "" || username == "" {
		respondError(w, http.StatusBadRequest, "User validation failed: phone, password and username are required")
		return
	}
	biometric, _ := body["enableBiometric"].(bool)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userByPhoneLocked(phone) != nil {
		respondError(w, http.StatusBadRequest, "Phone number already registered")
		return
	}
	u := s.addUserLocked(phone, password, username, biometric)
	respondJSON(w, http.StatusCreated, document{"user": u.doc(), "token": s.issueTokenLocked(u.ID)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	body, err := decodeDocument(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userByPhoneLocked(stringField(body, "phone"))
	if u == nil || u.Password != stringField(body, "password") {
		respondError(w, http.StatusUnauthorized, "Invalid login credentials")
		return
	}
	respondJSON(w, http.StatusOK, document{"user": u.doc(), "token": s.issueTokenLocked(u.ID)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, u *user) {
	s.mu.Lock()
	defer s.mu.Unlock()
	respondJSON(w, http.StatusOK, u.doc())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, u *user) {
	body, err := decodeDocument(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if img := stringField(body, "profileImage"); img != "" {
		u.ProfileImage = img
	}
	delete(body, "profileImage")
	for k, v := range body {
		u.Settings[k] = v
	}
	respondJSON(w, http.StatusOK, u.doc())
}

// ===== Expenses =====

func (s *Server) populateExpenseLocked(d document) document {
	out := make(document, len(d))
	for k, v := range d {
		out[k] = v
	}
	if i := findByID(s.categories, stringField(d, "categoryId")); i >= 0 {
		out["categoryId"] = s.categories[i]
	}
	if u, ok := s.users[stringField(d, "userId")]; ok {
		ref := document{"_id": u.ID, "username": u.Username}
		if u.ProfileImage != "" {
			ref["profileImage"] = u.ProfileImage
		}
		out["userId"] = ref
	}
	return out
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request, u *user) {
	filter, err := schema.ParseExpenseFilter(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !filter.Scope.IsPersonal() && !s.isMemberLocked(filter.Scope.GroupID, u.ID) {
		respondError(w, http.StatusForbidden, "Access denied to this group")
		return
	}

	matched := make([]document, 0)
	for _, d := range s.expenses {
		if filter.Scope.IsPersonal() && stringField(d, "userId") != u.ID {
			continue
		}
		raw, _ := json.Marshal(d)
		var e schema.Expense
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if filter.Match(&e) {
			matched = append(matched, s.populateExpenseLocked(d))
		}
	}
	sortByDateDesc(matched)
	respondJSON(w, http.StatusOK, matched)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request, u *user) {
	body, err := decodeDocument(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey, replayed := s.replayLocked(w, r, u, "expenses")
	if replayed {
		return
	}

	if _, ok := body["_id"]; ok {
		respondError(w, http.StatusBadRequest, "Cast to ObjectId failed for value of _id")
		return
	}
	delete(body, "status")

	amount, err := normalizeAmount(body["amount"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Expense validation failed: "+err.Error())
		return
	}
	body["amount"] = amount
	if stringField(body, "reason") == "" || stringField(body, "categoryId") == "" {
		respondError(w, http.StatusBadRequest, "Expense validation failed: reason and categoryId are required")
		return
	}
	if _, err := time.Parse(time.RFC3339Nano, stringField(body, "date")); err != nil {
		respondError(w, http.StatusBadRequest, "Expense validation failed: date is required")
		return
	}

	if g := stringField(body, "groupId"); g != "" {
		if !s.isMemberLocked(g, u.ID) {
			respondError(w, http.StatusForbidden, "Access denied to this group")
			return
		}
	} else {
		body["groupId"] = nil
	}

	body["_id"] = newObjectID()
	body["userId"] = u.ID
	body["createdAt"] = s.now().UTC()
	s.expenses = append(s.expenses, body)
	s.creates["expenses"]++

	out := s.populateExpenseLocked(body)
	out["categoryId"] = body["categoryId"]
	s.rememberLocked(cacheKey, out)
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) ownedExpenseLocked(id, userID string) int {
	i := findByID(s.expenses, id)
	if i < 0 || stringField(s.expenses[i], "userId") != userID {
		return -1
	}
	return i
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request, u *user) {
	body, err := decodeDocument(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.ownedExpenseLocked(mux.Vars(r)["id"], u.ID)
	if i < 0 {
		respondError(w, http.StatusNotFound, "")
		return
	}

	for k, v := range body {
		switch k {
		case "_id", "userId", "status":
			continue
		case "amount":
			amount, err := normalizeAmount(v)
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			v = amount
		}
		s.expenses[i][k] = v
	}
	respondJSON(w, http.StatusOK, s.expenses[i])
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request, u *user) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.ownedExpenseLocked(mux.Vars(r)["id"], u.ID)
	if i < 0 {
		respondError(w, http.StatusNotFound, "")
		return
	}
	deleted := s.expenses[i]
	s.expenses = append(s.expenses[:i], s.expenses[i+1:]...)
	respondJSON(w, http.StatusOK, deleted)
}

// ===== Categories =====

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request, u *user) {
	groupID := r.URL.Query().Get("groupId")

	s.mu.Lock()
	defer s.mu.Unlock()

	if groupID != "" && !s.isMemberLocked(groupID, u.ID) {
		respondError(w, http.StatusForbidden, "Access denied to this group")
		return
	}

	matched := make([]document, 0)
	for _, c := range s.categories {
		g := stringField(c, "groupId")
		switch {
		case groupID != "" && g == groupID:
			matched = append(matched, c)
		case groupID == "" && g == "" && stringField(c, "userId") == u.ID:
			matched = append(matched, c)
		}
	}
	respondJSON(w, http.StatusOK, matched)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request, u *user) {
	body, err := decodeDocument(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey, replayed := s.replayLocked(w, r, u, "categories")
	if replayed {
		return
	}

	if _, ok := body["_id"]; ok {
		respondError(w, http.StatusBadRequest, "Cast to ObjectId failed for value of _id")
		return
	}
	delete(body, "status")
	if stringField(body, "name") == "" || stringField(body, "icon") == "" {
		respondError(w, http.StatusBadRequest, "Category validation failed: name and icon are required")
		return
	}
	if g := stringField(body, "groupId"); g != "" && !s.isMemberLocked(g, u.ID) {
		respondError(w, http.StatusForbidden, "Access denied to this group")
		return
	}
	if stringField(body, "color") == "" {
		body["color"] = "#333"
	}
	if _, ok := body["isVisible"]; !ok {
		body["isVisible"] = true
	}

	body["_id"] = newObjectID()
	body["userId"] = u.ID
	body["lastUpdated"] = s.now().UTC()
	s.categories = append(s.categories, body)
	s.creates["categories"]++

	s.rememberLocked(cacheKey, body)
	respondJSON(w, http.StatusCreated, body)
}

func (s *Server) ownedCategoryLocked(id, userID string) int {
	i := findByID(s.categories, id)
	if i < 0 || stringField(s.categories[i], "userId") != userID {
		return -1
	}
	return i
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request, u *user) {
	body, err := decodeDocument(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.ownedCategoryLocked(mux.Vars(r)["id"], u.ID)
	if i < 0 {
		respondError(w, http.StatusNotFound, "")
		return
	}
	for k, v := range body {
		if k == "_id" || k == "userId" || k == "status" {
			continue
		}
		s.categories[i][k] = v
	}
	s.categories[i]["lastUpdated"] = s.now().UTC()
	respondJSON(w, http.StatusOK, s.categories[i])
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request, u *user) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.ownedCategoryLocked(mux.Vars(r)["id"], u.ID)
	if i < 0 {
		respondError(w, http.StatusNotFound, "")
		return
	}
	deleted := s.categories[i]
	s.categories = append(s.categories[:i], s.categories[i+1:]...)
	respondJSON(w, http.StatusOK, deleted)
}

// ===== Groups =====

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request, u *user) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]document, 0)
	for _, g := range s.groups {
		if s.isMemberLocked(stringField(g, "_id"), u.ID) {
			matched = append(matched, g)
		}
	}
	respondJSON(w, http.StatusOK, matched)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, u *user) {
	body, err := decodeDocument(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, connectionID := stringField(body, "name"), stringField(body, "connectionId")
	if name == "" || connectionID == "" {
		respondError(w, http.StatusBadRequest, "Group validation failed: name and connectionId are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g := document{
		"_id":          newObjectID(),
		"name":         name,
		"connectionId": connectionID,
		"members":      []string{u.ID},
		"createdAt":    s.now().UTC(),
	}
	s.groups = append(s.groups, g)
	respondJSON(w, http.StatusCreated, g)
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request, u *user) {
	body, err := decodeDocument(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	partner := s.userByPhoneLocked(stringField(body, "partnerPhone"))
	if partner == nil {
		respondError(w, http.StatusNotFound, "Partner not found with this phone number")
		return
	}
	connectionID := stringField(body, "connectionId")
	for _, g := range s.groups {
		if stringField(g, "connectionId") != connectionID || !s.isMemberLocked(stringField(g, "_id"), partner.ID) {
			continue
		}
		if !s.isMemberLocked(stringField(g, "_id"), u.ID) {
			g["members"] = append(g["members"].([]string), u.ID)
		}
		respondJSON(w, http.StatusOK, g)
		return
	}
	respondError(w, http.StatusNotFound, "Group not found or connection ID incorrect")
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request, u *user) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := mux.Vars(r)["id"]
	i := findByID(s.groups, id)
	if i < 0 || !s.isMemberLocked(id, u.ID) {
		respondError(w, http.StatusNotFound, "Group not found")
		return
	}

	members := s.groups[i]["members"].([]string)
	if len(members) == 1 {
		s.groups = append(s.groups[:i], s.groups[i+1:]...)
		respondJSON(w, http.StatusOK, document{"message": "Group deleted"})
		return
	}

	kept := make([]string, 0, len(members)-1)
	for _, m := range members {
		if m != u.ID {
			kept = append(kept, m)
		}
	}
	s.groups[i]["members"] = kept
	respondJSON(w, http.StatusOK, document{"message": "Left the group successfully"})
}
