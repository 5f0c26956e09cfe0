package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gloudx/coursestore/blockstore"
	s "github.com/gloudx/coursestore/datastore"
	"github.com/gloudx/coursestore/errs"
	"github.com/gloudx/coursestore/query"
	"github.com/gloudx/coursestore/sqlite"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
)

// Connector is the DocumentConnector: typed CRUD and query access to the
// indexes/structures/definitions collections. Structures and Definitions
// are stored content-addressed in bs; CourseIndex documents are stored as
// plain JSON under /indexes/<package_id> in dstore. db mirrors all three
// collections into SQLite; find_matching_* reads every mirrored row of the
// collection and keeps those that query.Match accepts.
type Connector struct {
	bs    blockstore.Blockstore
	dstor s.Datastore
	db    *sqlite.Database
}

// NewConnector wires a Connector and ensures its secondary-index schema
// exists.
func NewConnector(bs blockstore.Blockstore, dstor s.Datastore, db *sqlite.Database) (*Connector, error) {
	c := &Connector{bs: bs, dstor: dstor, db: db}
	if err := c.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connector) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS indexes (
			package_id TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS structures (
			id TEXT PRIMARY KEY,
			previous_version TEXT,
			original_version TEXT,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_structures_prev ON structures(previous_version)`,
		`CREATE INDEX IF NOT EXISTS idx_structures_orig ON structures(original_version)`,
		`CREATE TABLE IF NOT EXISTS definitions (
			id TEXT PRIMARY KEY,
			previous_version TEXT,
			original_version TEXT,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_definitions_prev ON definitions(previous_version)`,
		`CREATE INDEX IF NOT EXISTS idx_definitions_orig ON definitions(original_version)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("docstore: schema: %w", err)
		}
	}
	return nil
}

// --- indexes -----------------------------------------------------------

func indexKey(packageID string) ds.Key {
	return ds.NewKey("/indexes/" + packageID)
}

func (c *Connector) GetCourseIndex(ctx context.Context, packageID string) (*CourseIndex, error) {
	raw, err := c.dstor.Get(ctx, indexKey(packageID))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, errs.NewItemNotFound(errs.RefCourse, packageID)
		}
		return nil, err
	}
	var idx CourseIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

func (c *Connector) InsertCourseIndex(ctx context.Context, idx *CourseIndex) error {
	if _, err := c.GetCourseIndex(ctx, idx.PackageID); err == nil {
		return errs.NewDuplicateItem(idx.PackageID)
	}
	return c.putCourseIndex(ctx, idx)
}

func (c *Connector) UpdateCourseIndex(ctx context.Context, idx *CourseIndex) error {
	if _, err := c.GetCourseIndex(ctx, idx.PackageID); err != nil {
		return err
	}
	return c.putCourseIndex(ctx, idx)
}

func (c *Connector) putCourseIndex(ctx context.Context, idx *CourseIndex) error {
	raw, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	if err := c.dstor.Put(ctx, indexKey(idx.PackageID), raw); err != nil {
		return err
	}
	_, err = c.db.Exec(ctx,
		`INSERT INTO indexes (package_id, doc) VALUES (?, ?)
		 ON CONFLICT(package_id) DO UPDATE SET doc=excluded.doc`,
		idx.PackageID, string(raw))
	return err
}

func (c *Connector) DeleteCourseIndex(ctx context.Context, packageID string) error {
	if err := c.dstor.Delete(ctx, indexKey(packageID)); err != nil {
		return err
	}
	_, err := c.db.Exec(ctx, `DELETE FROM indexes WHERE package_id = ?`, packageID)
	return err
}

func (c *Connector) FindMatchingCourseIndexes(ctx context.Context, q map[string]any) ([]CourseIndex, error) {
	rows, err := c.db.Query(ctx, `SELECT doc FROM indexes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CourseIndex
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}
		if !query.Match(doc, q) {
			continue
		}
		var idx CourseIndex
		if err := json.Unmarshal([]byte(raw), &idx); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// --- structures ----------------------------------------------------------

func (c *Connector) GetStructure(ctx context.Context, id string) (*Structure, error) {
	parsed, err := cid.Decode(id)
	if err != nil {
		return nil, errs.NewIllegalArgument("structure id is not a valid CID: " + id)
	}
	n, err := c.bs.GetNodeAny(ctx, parsed)
	if err != nil {
		return nil, errs.NewItemNotFound(errs.RefStructure, id)
	}
	var st Structure
	if err := fromNode(n, &st); err != nil {
		return nil, err
	}
	st.ID = id
	st.resolveSelf()
	return &st, nil
}

// InsertStructure computes the content-derived id of s (resolving any
// self-references first), stores it, mirrors it into the secondary index,
// and returns the id. Inserting identical content twice yields the same id
// without storing a second copy.
func (c *Connector) InsertStructure(ctx context.Context, st *Structure) (string, error) {
	n, err := toNode(st)
	if err != nil {
		return "", err
	}
	id, err := c.bs.PutNode(ctx, n, blockstore.DefaultLP)
	if err != nil {
		return "", err
	}
	st.ID = id.String()
	st.resolveSelf()

	if err := c.mirrorStructure(ctx, st); err != nil {
		return "", err
	}
	return st.ID, nil
}

// UpdateStructure is only used by the continue-version in-place mutation
// path: content has changed, so the document re-addresses to a new id.
// Callers must discard the prior id and use the returned one.
func (c *Connector) UpdateStructure(ctx context.Context, st *Structure) (string, error) {
	st.ID = ""
	return c.InsertStructure(ctx, st)
}

func (c *Connector) mirrorStructure(ctx context.Context, st *Structure) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(ctx,
		`INSERT INTO structures (id, previous_version, original_version, doc) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET previous_version=excluded.previous_version,
		   original_version=excluded.original_version, doc=excluded.doc`,
		st.ID, nullable(st.PreviousVersion), st.OriginalVersion, string(raw))
	return err
}

func (c *Connector) FindMatchingStructures(ctx context.Context, q map[string]any) ([]Structure, error) {
	rows, err := c.db.Query(ctx, `SELECT doc FROM structures`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Structure
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}
		if !query.Match(doc, q) {
			continue
		}
		var st Structure
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, err
		}
		st.resolveSelf()
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- definitions ---------------------------------------------------------

func (c *Connector) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	parsed, err := cid.Decode(id)
	if err != nil {
		return nil, errs.NewIllegalArgument("definition id is not a valid CID: " + id)
	}
	n, err := c.bs.GetNodeAny(ctx, parsed)
	if err != nil {
		return nil, errs.NewItemNotFound(errs.RefDefinition, id)
	}
	var def Definition
	if err := fromNode(n, &def); err != nil {
		return nil, err
	}
	def.ID = id
	def.resolveSelf()
	return &def, nil
}

func (c *Connector) InsertDefinition(ctx context.Context, def *Definition) (string, error) {
	n, err := toNode(def)
	if err != nil {
		return "", err
	}
	id, err := c.bs.PutNode(ctx, n, blockstore.DefaultLP)
	if err != nil {
		return "", err
	}
	def.ID = id.String()
	def.resolveSelf()

	raw, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	_, err = c.db.Exec(ctx,
		`INSERT INTO definitions (id, previous_version, original_version, doc) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET previous_version=excluded.previous_version,
		   original_version=excluded.original_version, doc=excluded.doc`,
		def.ID, nullable(def.PreviousVersion), def.OriginalVersion, string(raw))
	if err != nil {
		return "", err
	}
	return def.ID, nil
}

func (c *Connector) FindMatchingDefinitions(ctx context.Context, q map[string]any) ([]Definition, error) {
	rows, err := c.db.Query(ctx, `SELECT doc FROM definitions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Definition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}
		if !query.Match(doc, q) {
			continue
		}
		var def Definition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, err
		}
		def.resolveSelf()
		out = append(out, def)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
