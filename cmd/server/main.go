// Command coursestore-server is a JSON HTTP API over VersioningCore: the
// same edit operations the CLI exposes, reachable over the wire.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gloudx/coursestore/blockclass"
	"github.com/gloudx/coursestore/blockstore"
	"github.com/gloudx/coursestore/cache"
	s "github.com/gloudx/coursestore/datastore"
	"github.com/gloudx/coursestore/definitionstore"
	"github.com/gloudx/coursestore/docstore"
	"github.com/gloudx/coursestore/errs"
	"github.com/gloudx/coursestore/history"
	"github.com/gloudx/coursestore/indexstore"
	"github.com/gloudx/coursestore/inheritance"
	"github.com/gloudx/coursestore/locator"
	"github.com/gloudx/coursestore/sqlite"
	"github.com/gloudx/coursestore/structurestore"
	"github.com/gloudx/coursestore/versioning"

	"github.com/google/uuid"
)

// server holds every dependency a handler needs.
type server struct {
	core  *versioning.Core
	cache *cache.Cache
	hist  *history.Engine
}

func newServer(dataDir string) (*server, func(), error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	dstor, err := s.NewDatastorage(filepath.Join(dataDir, "blocks"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open datastore: %w", err)
	}
	bs := blockstore.NewBlockstore(dstor)

	db, err := sqlite.Open(filepath.Join(dataDir, "index.db"), sqlite.Options{})
	if err != nil {
		dstor.Close()
		return nil, nil, fmt.Errorf("open sqlite index: %w", err)
	}

	conn, err := docstore.NewConnector(bs, dstor, db)
	if err != nil {
		db.Close()
		dstor.Close()
		return nil, nil, fmt.Errorf("open connector: %w", err)
	}

	idxStore := indexstore.New(conn, nil)
	structs := structurestore.New(conn, nil)
	defs := definitionstore.New(conn, nil)
	registry := blockclass.NewDefaultRegistry()
	descCache := cache.New(conn, 512)
	inh := inheritance.New("graded", "due", "start")

	srv := &server{
		core:  versioning.New(idxStore, structs, defs, registry, descCache, inh, nil),
		cache: descCache,
		hist:  history.New(conn),
	}
	return srv, func() { db.Close(); dstor.Close() }, nil
}

func main() {
	dataDir := os.Getenv("COURSESTORE_DATA_DIR")
	if dataDir == "" {
		dataDir = "./coursestore-data"
	}

	srv, cleanup, err := newServer(dataDir)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer cleanup()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /courses", srv.handleCreateCourse)
	mux.HandleFunc("GET /courses/{package}", srv.handleGetCourse)
	mux.HandleFunc("DELETE /courses/{package}", srv.handleDeleteCourse)
	mux.HandleFunc("GET /courses/{package}/branches/{branch}/orphans", srv.handleGetOrphans)
	mux.HandleFunc("POST /courses/{package}/branches/{branch}/items", srv.handleCreateItem)
	mux.HandleFunc("PATCH /courses/{package}/branches/{branch}/items/{block}", srv.handleUpdateItem)
	mux.HandleFunc("DELETE /courses/{package}/branches/{branch}/items/{block}", srv.handleDeleteItem)
	mux.HandleFunc("GET /structures/{id}", srv.handleGetStructure)
	mux.HandleFunc("GET /structures/{id}/history", srv.handleStructureHistory)

	handler := requestIDMiddleware(mux)

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	log.Printf("coursestore-server listening on %s (data: %s)", addr, dataDir)
	log.Fatal(http.ListenAndServe(addr, handler))
}

type requestIDKey struct{}

// requestIDMiddleware stamps every request with a uuid so a single edit can
// be traced across the handler, VersioningCore and its log lines.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		log.Printf("%s %s %s %s", id, r.Method, r.URL.Path, time.Since(start))
	})
}

// --- wire types ------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsNotFound(err):
		status = http.StatusNotFound
	case errs.IsVersionConflict(err):
		status = http.StatusConflict
	case errs.IsDuplicate(err):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrInsufficientSpecification):
		status = http.StatusBadRequest
	default:
		var illegal *errs.IllegalArgumentError
		if errors.As(err, &illegal) {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// --- handlers ----------------------------------------------------------

type createCourseBody struct {
	IDRoot       string            `json:"id_root"`
	Org          string            `json:"org"`
	PrettyID     string            `json:"pretty_id"`
	User         string            `json:"user"`
	Source       string            `json:"source_version_guid"`
	Fields       map[string]any    `json:"fields"`
	VersionsDict map[string]string `json:"versions"`
}

func (srv *server) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var body createCourseBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	idx, err := srv.core.CreateCourse(r.Context(), versioning.CreateCourseRequest{
		IDRoot: body.IDRoot, Org: body.Org, PrettyID: body.PrettyID, User: body.User,
		SourceVersionGUID: body.Source, Fields: body.Fields, VersionsDict: body.VersionsDict,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idx)
}

func (srv *server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	idx, err := srv.core.Index.Get(r.Context(), r.PathValue("package"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

func (srv *server) handleDeleteCourse(w http.ResponseWriter, r *http.Request) {
	if err := srv.core.DeleteCourse(r.Context(), r.PathValue("package")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *server) handleGetOrphans(w http.ResponseWriter, r *http.Request) {
	loc := locator.CourseLocator{PackageID: r.PathValue("package"), Branch: r.PathValue("branch")}
	orphans, err := srv.core.GetOrphans(r.Context(), loc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orphans)
}

type createItemBody struct {
	ParentBlockID   string         `json:"parent_block_id"`
	BlockID         string         `json:"block_id"`
	Category        string         `json:"category"`
	Fields          map[string]any `json:"fields"`
	DefinitionID    string         `json:"definition_id"`
	User            string         `json:"user"`
	VersionGUID     string         `json:"version_guid"`
	ContinueVersion bool           `json:"continue_version"`
	Force           bool           `json:"force"`
}

func (srv *server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var body createItemBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	loc := locator.CourseLocator{
		PackageID: r.PathValue("package"), Branch: r.PathValue("branch"), VersionGUID: body.VersionGUID,
	}
	desc, err := srv.core.CreateItem(r.Context(), versioning.CreateItemRequest{
		Locator: loc, ParentBlockID: body.ParentBlockID, BlockID: body.BlockID,
		Category: body.Category, Fields: body.Fields, DefinitionID: body.DefinitionID,
		User: body.User, ContinueVersion: body.ContinueVersion, Force: body.Force,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

type updateItemBody struct {
	Fields          map[string]any `json:"fields"`
	Category        string         `json:"category"`
	User            string         `json:"user"`
	VersionGUID     string         `json:"version_guid"`
	ContinueVersion bool           `json:"continue_version"`
	Force           bool           `json:"force"`
}

func (srv *server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var body updateItemBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	loc := locator.BlockUsageLocator{
		CourseLocator: locator.CourseLocator{
			PackageID: r.PathValue("package"), Branch: r.PathValue("branch"), VersionGUID: body.VersionGUID,
		},
		BlockID: r.PathValue("block"),
	}
	desc, err := srv.core.UpdateItem(r.Context(), versioning.UpdateItemRequest{
		Locator: loc, Fields: body.Fields, Category: body.Category,
		User: body.User, ContinueVersion: body.ContinueVersion, Force: body.Force,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (srv *server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	recursive := r.URL.Query().Get("recursive") == "true"
	force := r.URL.Query().Get("force") == "true"
	user := r.URL.Query().Get("user")
	loc := locator.BlockUsageLocator{
		CourseLocator: locator.CourseLocator{PackageID: r.PathValue("package"), Branch: r.PathValue("branch")},
		BlockID:       r.PathValue("block"),
	}
	newID, err := srv.core.DeleteItem(r.Context(), loc, recursive, user, force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"new_version": newID})
}

func (srv *server) handleGetStructure(w http.ResponseWriter, r *http.Request) {
	depth := -1
	eager := r.URL.Query().Get("eager") == "true"
	desc, err := srv.cache.Get(r.Context(), r.PathValue("id"), depth, eager)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc.Structure)
}

func (srv *server) handleStructureHistory(w http.ResponseWriter, r *http.Request) {
	tree, err := srv.hist.CourseSuccessors(r.Context(), r.PathValue("id"), -1)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}
