// Command coursestore-cli is a console front end over VersioningCore,
// PublishEngine and HistoryEngine: create and edit courses from the shell
// the same way an integration test would, without writing Go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gloudx/coursestore/blockclass"
	"github.com/gloudx/coursestore/blockstore"
	"github.com/gloudx/coursestore/cache"
	s "github.com/gloudx/coursestore/datastore"
	"github.com/gloudx/coursestore/definitionstore"
	"github.com/gloudx/coursestore/docstore"
	"github.com/gloudx/coursestore/history"
	"github.com/gloudx/coursestore/indexstore"
	"github.com/gloudx/coursestore/inheritance"
	"github.com/gloudx/coursestore/locator"
	"github.com/gloudx/coursestore/publish"
	"github.com/gloudx/coursestore/sqlite"
	"github.com/gloudx/coursestore/structurestore"
	"github.com/gloudx/coursestore/versioning"

	"github.com/urfave/cli/v2"
)

const defaultDataDir = "./coursestore-data"

// engine bundles everything a command handler needs. Built once per
// invocation from --data-dir.
type engine struct {
	core    *versioning.Core
	publish *publish.Engine
	history *history.Engine
	cache   *cache.Cache
	close   func()
}

func openEngine(dataDir string) (*engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dstor, err := s.NewDatastorage(filepath.Join(dataDir, "blocks"), nil)
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	bs := blockstore.NewBlockstore(dstor)

	db, err := sqlite.Open(filepath.Join(dataDir, "index.db"), sqlite.Options{})
	if err != nil {
		dstor.Close()
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}

	conn, err := docstore.NewConnector(bs, dstor, db)
	if err != nil {
		db.Close()
		dstor.Close()
		return nil, fmt.Errorf("open connector: %w", err)
	}

	idxStore := indexstore.New(conn, nil)
	structs := structurestore.New(conn, nil)
	defs := definitionstore.New(conn, nil)
	registry := blockclass.NewDefaultRegistry()
	descCache := cache.New(conn, 256)
	inh := inheritance.New("graded", "due", "start")

	core := versioning.New(idxStore, structs, defs, registry, descCache, inh, nil)

	return &engine{
		core:    core,
		publish: publish.New(),
		history: history.New(conn),
		cache:   descCache,
		close: func() {
			db.Close()
			dstor.Close()
		},
	}, nil
}

func main() {
	app := &cli.App{
		Name:  "coursestore-cli",
		Usage: "create, edit and inspect versioned course structures",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: defaultDataDir, Usage: "on-disk data directory"},
		},
		Commands: []*cli.Command{
			createCourseCommand,
			createItemCommand,
			updateItemCommand,
			deleteItemCommand,
			getOrphansCommand,
			lookupCommand,
			publishCommand,
			historyCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func withEngine(c *cli.Context, fn func(ctx context.Context, e *engine) error) error {
	e, err := openEngine(c.String("data-dir"))
	if err != nil {
		return err
	}
	defer e.close()
	return fn(c.Context, e)
}

func parseFields(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("fields must be a JSON object: %w", err)
	}
	return fields, nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	fmt.Println(string(out))
}

var createCourseCommand = &cli.Command{
	Name:  "create-course",
	Usage: "create a course: fresh, or cloned from --source",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "org", Required: true},
		&cli.StringFlag{Name: "pretty-id"},
		&cli.StringFlag{Name: "user", Value: "cli"},
		&cli.StringFlag{Name: "id-root"},
		&cli.StringFlag{Name: "source", Usage: "clone from this structure id (version_guid)"},
		&cli.StringFlag{Name: "fields", Usage: "JSON object: root block fields (or overrides, with --source)"},
	},
	Action: func(c *cli.Context) error {
		fields, err := parseFields(c.String("fields"))
		if err != nil {
			return err
		}
		return withEngine(c, func(ctx context.Context, e *engine) error {
			idx, err := e.core.CreateCourse(ctx, versioning.CreateCourseRequest{
				IDRoot: c.String("id-root"), Org: c.String("org"), PrettyID: c.String("pretty-id"),
				User: c.String("user"), SourceVersionGUID: c.String("source"), Fields: fields,
			})
			if err != nil {
				return err
			}
			printJSON(idx)
			return nil
		})
	},
}

var createItemCommand = &cli.Command{
	Name:  "create-item",
	Usage: "add a block to a course branch",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "locator", Required: true, Usage: "package_id/branch[@version_guid]"},
		&cli.StringFlag{Name: "parent", Usage: "parent block id to attach the new block under"},
		&cli.StringFlag{Name: "category", Required: true},
		&cli.StringFlag{Name: "block-id", Usage: "explicit id; default allocates <category><n>"},
		&cli.StringFlag{Name: "fields", Usage: "JSON object"},
		&cli.StringFlag{Name: "user", Value: "cli"},
		&cli.BoolFlag{Name: "continue-version"},
		&cli.BoolFlag{Name: "force"},
	},
	Action: func(c *cli.Context) error {
		loc, err := locator.Parse(c.String("locator"))
		if err != nil {
			return err
		}
		fields, err := parseFields(c.String("fields"))
		if err != nil {
			return err
		}
		return withEngine(c, func(ctx context.Context, e *engine) error {
			desc, err := e.core.CreateItem(ctx, versioning.CreateItemRequest{
				Locator: loc.CourseLocator, ParentBlockID: c.String("parent"),
				BlockID: c.String("block-id"), Category: c.String("category"), Fields: fields,
				User: c.String("user"), ContinueVersion: c.Bool("continue-version"), Force: c.Bool("force"),
			})
			if err != nil {
				return err
			}
			printJSON(desc)
			return nil
		})
	},
}

var updateItemCommand = &cli.Command{
	Name:  "update-item",
	Usage: "replace a block's fields",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "locator", Required: true, Usage: "package_id/branch[@version_guid]::block_id"},
		&cli.StringFlag{Name: "fields", Required: true, Usage: "JSON object, full replacement set"},
		&cli.StringFlag{Name: "user", Value: "cli"},
		&cli.BoolFlag{Name: "continue-version"},
		&cli.BoolFlag{Name: "force"},
	},
	Action: func(c *cli.Context) error {
		loc, err := locator.Parse(c.String("locator"))
		if err != nil {
			return err
		}
		fields, err := parseFields(c.String("fields"))
		if err != nil {
			return err
		}
		return withEngine(c, func(ctx context.Context, e *engine) error {
			desc, err := e.core.UpdateItem(ctx, versioning.UpdateItemRequest{
				Locator: loc, Fields: fields, User: c.String("user"),
				ContinueVersion: c.Bool("continue-version"), Force: c.Bool("force"),
			})
			if err != nil {
				return err
			}
			printJSON(desc)
			return nil
		})
	},
}

var deleteItemCommand = &cli.Command{
	Name:  "delete-item",
	Usage: "remove a block from a course branch",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "locator", Required: true, Usage: "package_id/branch[@version_guid]::block_id"},
		&cli.StringFlag{Name: "user", Value: "cli"},
		&cli.BoolFlag{Name: "recursive", Usage: "also remove every descendant"},
		&cli.BoolFlag{Name: "force"},
	},
	Action: func(c *cli.Context) error {
		loc, err := locator.Parse(c.String("locator"))
		if err != nil {
			return err
		}
		return withEngine(c, func(ctx context.Context, e *engine) error {
			newID, err := e.core.DeleteItem(ctx, loc, c.Bool("recursive"), c.String("user"), c.Bool("force"))
			if err != nil {
				return err
			}
			fmt.Println(newID)
			return nil
		})
	},
}

var getOrphansCommand = &cli.Command{
	Name:  "get-orphans",
	Usage: "list blocks unreachable from the course root",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "locator", Required: true, Usage: "package_id/branch[@version_guid]"},
	},
	Action: func(c *cli.Context) error {
		loc, err := locator.Parse(c.String("locator"))
		if err != nil {
			return err
		}
		return withEngine(c, func(ctx context.Context, e *engine) error {
			orphans, err := e.core.GetOrphans(ctx, loc.CourseLocator)
			if err != nil {
				return err
			}
			printJSON(orphans)
			return nil
		})
	},
}

var lookupCommand = &cli.Command{
	Name:  "lookup",
	Usage: "resolve a locator and print the materialized descriptor",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "locator", Required: true},
		&cli.IntFlag{Name: "depth", Value: -1},
		&cli.BoolFlag{Name: "eager"},
	},
	Action: func(c *cli.Context) error {
		loc, err := locator.Parse(c.String("locator"))
		if err != nil {
			return err
		}
		return withEngine(c, func(ctx context.Context, e *engine) error {
			structureID := loc.VersionGUID
			if structureID == "" {
				idx, err := e.core.Index.Get(ctx, loc.PackageID)
				if err != nil {
					return err
				}
				structureID = idx.Versions[loc.Branch]
			}
			desc, err := e.cache.Get(ctx, structureID, c.Int("depth"), c.Bool("eager"))
			if err != nil {
				return err
			}
			printJSON(desc.Structure)
			return nil
		})
	},
}

var publishCommand = &cli.Command{
	Name:  "publish",
	Usage: "publish subtree roots from a source branch into a destination branch",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from", Required: true, Usage: "source locator (package_id/branch)"},
		&cli.StringFlag{Name: "to", Required: true, Usage: "destination locator (package_id/branch)"},
		&cli.StringSliceFlag{Name: "root", Required: true, Usage: "subtree root block id (repeatable)"},
		&cli.StringSliceFlag{Name: "blacklist", Usage: "block id to skip (repeatable)"},
		&cli.StringFlag{Name: "user", Value: "cli"},
	},
	Action: func(c *cli.Context) error {
		fromLoc, err := locator.Parse(c.String("from"))
		if err != nil {
			return err
		}
		toLoc, err := locator.Parse(c.String("to"))
		if err != nil {
			return err
		}
		return withEngine(c, func(ctx context.Context, e *engine) error {
			src, err := e.core.Structures.Get(ctx, fromLoc.VersionGUID)
			if err != nil {
				srcIdx, serr := e.core.Index.Get(ctx, fromLoc.PackageID)
				if serr != nil {
					return serr
				}
				src, err = e.core.Structures.Get(ctx, srcIdx.Versions[fromLoc.Branch])
				if err != nil {
					return err
				}
			}

			destIdx, err := e.core.Index.Get(ctx, toLoc.PackageID)
			if err != nil {
				return err
			}
			destHead := destIdx.Versions[toLoc.Branch]
			var dest *docstore.Structure
			if destHead == "" {
				dest = &docstore.Structure{OriginalVersion: docstore.SelfRef}
			} else {
				dest, err = e.core.Structures.Get(ctx, destHead)
				if err != nil {
					return err
				}
				dest = e.core.Structures.VersionStructure(dest, c.String("user"))
			}

			removed, err := e.publish.Publish(src, dest, c.StringSlice("root"), c.StringSlice("blacklist"), c.String("user"), time.Now().UTC())
			if err != nil {
				return err
			}

			newID, err := e.core.Structures.Insert(ctx, dest)
			if err != nil {
				return err
			}
			destIdx.Versions[toLoc.Branch] = newID
			if err := e.core.Index.Update(ctx, destIdx); err != nil {
				return err
			}

			printJSON(map[string]any{"new_version": newID, "reclaimed_orphans": removed})
			return nil
		})
	},
}

var historyCommand = &cli.Command{
	Name:  "history",
	Usage: "print a structure's successor tree",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "structure-id", Required: true},
		&cli.IntFlag{Name: "depth", Value: -1},
	},
	Action: func(c *cli.Context) error {
		return withEngine(c, func(ctx context.Context, e *engine) error {
			tree, err := e.history.CourseSuccessors(ctx, c.String("structure-id"), c.Int("depth"))
			if err != nil {
				return err
			}
			printJSON(tree)
			return nil
		})
	},
}
