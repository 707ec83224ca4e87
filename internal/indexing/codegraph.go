package indexing

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aimaestro/aimaestrod/internal/agentdb"
	"github.com/aimaestro/aimaestrod/internal/core"
)

// EdgeKind is one of the code-graph relation tables (spec.md §4.C9).
type EdgeKind string

const (
	EdgeImports      EdgeKind = "imports"
	EdgeCalls        EdgeKind = "calls"
	EdgeExtends      EdgeKind = "extends"
	EdgeIncludes     EdgeKind = "includes"
	EdgeAssociations EdgeKind = "associations"
	EdgeSerializes   EdgeKind = "serializes"
	EdgeDeclares     EdgeKind = "declares"
)

// IndexOptions configures a code-graph ingestion run.
type IndexOptions struct {
	// Extensions restricts which files are parsed; empty means all
	// regular files under path.
	Extensions []string
}

// IndexProject implements spec.md §4.C9 indexProject(agentDb, path,
// opts): a full parse of every file under path into file/function/
// component nodes and their edges. The file-node and import-edge layer
// is language-agnostic (a line-prefix heuristic); function/component
// extraction and the remaining edge kinds (calls, extends, includes,
// associations, serializes, declares) are parsed precisely for Go
// source via go/parser — the one language this daemon's own agent
// projects are guaranteed to contain — and skipped for every other
// file type, which still gets its file node and import-edge coverage.
// A non-Go project therefore sees a sparser graph, not an error.
func IndexProject(db *agentdb.DB, path string, opts IndexOptions) error {
	if err := db.InitializeSchema(); err != nil {
		return err
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped silently (spec.md §7)
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && d.Name() != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if len(opts.Extensions) > 0 && !hasExtension(p, opts.Extensions) {
			return nil
		}
		return indexFile(db, path, p)
	})
}

func hasExtension(p string, exts []string) bool {
	ext := filepath.Ext(p)
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

func indexFile(db *agentdb.DB, root, fullPath string) error {
	rel, err := filepath.Rel(root, fullPath)
	if err != nil {
		rel = fullPath
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil
	}
	hash, err := hashFile(fullPath)
	if err != nil {
		return nil
	}

	_, err = db.Conn().Exec(
		`INSERT INTO node_files (path, hash, mtime) VALUES (`+db.Placeholder(1)+`, `+db.Placeholder(2)+`, `+db.Placeholder(3)+`)
		 ON CONFLICT(path) DO UPDATE SET hash=excluded.hash, mtime=excluded.mtime`,
		rel, hash, info.ModTime().Unix(),
	)
	if err != nil {
		return agentdb.WrapQueryError("upsert node_files", err)
	}

	if filepath.Ext(fullPath) == ".go" {
		return indexGoFile(db, rel, fullPath)
	}
	return scanImports(db, rel, fullPath)
}

// indexGoFile parses a Go source file into function/component nodes and
// the calls/extends/includes/associations/serializes/declares edges,
// falling back to the line-heuristic import scan on any parse error
// (malformed or partially-written files must not abort the walk).
func indexGoFile(db *agentdb.DB, rel, fullPath string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, fullPath, nil, parser.ParseComments)
	if err != nil {
		return scanImports(db, rel, fullPath)
	}

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if err := AddEdge(db, EdgeImports, rel, path); err != nil {
			return err
		}
	}

	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.TYPE {
			continue
		}
		for _, spec := range gen.Specs {
			ts, ok := spec.(*ast.TypeSpec)
			if !ok {
				continue
			}
			switch t := ts.Type.(type) {
			case *ast.StructType, *ast.InterfaceType:
				id := rel + "::" + ts.Name.Name
				if err := upsertNode(db, "node_components", id, rel, ts.Name.Name); err != nil {
					return err
				}
				if err := AddEdge(db, EdgeDeclares, rel, id); err != nil {
					return err
				}
				if st, ok := t.(*ast.StructType); ok {
					if err := indexStructFields(db, id, st); err != nil {
						return err
					}
				}
			}
		}
	}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		name := fn.Name.Name
		if fn.Recv != nil && len(fn.Recv.List) > 0 {
			if recvName := receiverTypeName(fn.Recv.List[0].Type); recvName != "" {
				name = recvName + "." + fn.Name.Name
				if err := AddEdge(db, EdgeDeclares, rel+"::"+recvName, rel+"::"+name); err != nil {
					return err
				}
			}
		}
		id := rel + "::" + name
		if err := upsertNode(db, "node_functions", id, rel, name); err != nil {
			return err
		}
		if err := AddEdge(db, EdgeDeclares, rel, id); err != nil {
			return err
		}
		if fn.Body != nil {
			if err := indexCallExprs(db, id, fn.Body); err != nil {
				return err
			}
		}
	}
	return nil
}

// upsertNode writes one row into a node_functions/node_components table.
func upsertNode(db *agentdb.DB, table, id, filePath, name string) error {
	_, err := db.Conn().Exec(
		`INSERT INTO `+table+` (id, file_path, name) VALUES (`+db.Placeholder(1)+`, `+db.Placeholder(2)+`, `+db.Placeholder(3)+`)
		 ON CONFLICT(id) DO UPDATE SET file_path=excluded.file_path, name=excluded.name`,
		id, filePath, name,
	)
	if err != nil {
		wrapped := agentdb.WrapQueryError("upsert "+table, err)
		if core.IsSchemaNotReady(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

// indexStructFields records embedded fields as "extends" (Go struct
// embedding is the closest local analog to inheritance), and named-type
// fields as "includes" (composition); fields whose struct tag mentions
// json/yaml/xml mark the owning component as a serializer.
func indexStructFields(db *agentdb.DB, componentID string, st *ast.StructType) error {
	if st.Fields == nil {
		return nil
	}
	for _, f := range st.Fields.List {
		typeName := fieldTypeName(f.Type)
		if typeName == "" {
			continue
		}
		if len(f.Names) == 0 {
			// Embedded field: Go promotes its methods/fields, the
			// nearest static analog to inheritance.
			if err := AddEdge(db, EdgeExtends, componentID, typeName); err != nil {
				return err
			}
		} else if isExported(typeName) {
			if err := AddEdge(db, EdgeIncludes, componentID, typeName); err != nil {
				return err
			}
		}
		if f.Tag != nil && tagMentionsEncoding(f.Tag.Value) {
			if err := AddEdge(db, EdgeSerializes, componentID, typeName); err != nil {
				return err
			}
		}
	}
	return nil
}

func tagMentionsEncoding(tag string) bool {
	for _, enc := range []string{"json:", "yaml:", "xml:"} {
		if strings.Contains(tag, enc) {
			return true
		}
	}
	return false
}

func isExported(name string) bool {
	name = strings.TrimPrefix(name, "*")
	r := []rune(name)
	return len(r) > 0 && strings.ToUpper(string(r[0])) == string(r[0])
}

// indexCallExprs walks a function body for calls to same-package
// functions, recorded as best-effort "calls" edges (no cross-file type
// resolution is attempted: a call to an identifier is assumed to name a
// sibling top-level function in the same file).
func indexCallExprs(db *agentdb.DB, callerID string, body *ast.BlockStmt) error {
	var walkErr error
	ast.Inspect(body, func(n ast.Node) bool {
		if walkErr != nil {
			return false
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch fn := call.Fun.(type) {
		case *ast.Ident:
			targetFile := strings.SplitN(callerID, "::", 2)[0]
			target := targetFile + "::" + fn.Name
			walkErr = AddEdge(db, EdgeCalls, callerID, target)
		case *ast.SelectorExpr:
			if recv, ok := fn.X.(*ast.Ident); ok {
				walkErr = AddEdge(db, EdgeAssociations, callerID, recv.Name+"."+fn.Sel.Name)
			}
		}
		return true
	})
	return walkErr
}

func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	default:
		return ""
	}
}

func fieldTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return fieldTypeName(t.X)
	case *ast.SelectorExpr:
		return t.Sel.Name
	case *ast.ArrayType:
		return fieldTypeName(t.Elt)
	default:
		return ""
	}
}

// scanImports extracts a coarse import edge set using a line-prefix
// heuristic: each line starting with "import " yields one edge. Lines
// containing "require(" are skipped and yield no edge.
func scanImports(db *agentdb.DB, rel, fullPath string) error {
	f, err := os.Open(fullPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var target string
		switch {
		case strings.HasPrefix(line, "import "):
			target = strings.Trim(strings.TrimPrefix(line, "import "), `"; `)
		case strings.Contains(line, "require("):
			continue
		default:
			continue
		}
		if target == "" {
			continue
		}
		if err := AddEdge(db, EdgeImports, rel, target); err != nil {
			return err
		}
	}
	return nil
}

// AddEdge inserts one edge into the named relation, tolerating a
// missing-relation failure as schema-not-ready (spec.md §4.C9: "each
// edge table is optional at query time").
func AddEdge(db *agentdb.DB, kind EdgeKind, src, dst string) error {
	table := "edge_" + string(kind)
	_, err := db.Conn().Exec(
		`INSERT OR IGNORE INTO `+table+` (src, dst) VALUES (`+db.Placeholder(1)+`, `+db.Placeholder(2)+`)`,
		src, dst,
	)
	if err != nil {
		wrapped := agentdb.WrapQueryError("insert "+table, err)
		if core.IsSchemaNotReady(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

// CountEdges returns the number of rows in an edge relation, tolerating
// a missing relation as zero (spec.md §4.C9, §7 schema-not-ready).
func CountEdges(db *agentdb.DB, kind EdgeKind) (int, error) {
	table := "edge_" + string(kind)
	var n int
	err := db.Conn().QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n)
	if err != nil {
		wrapped := agentdb.WrapQueryError("count "+table, err)
		if core.IsSchemaNotReady(wrapped) {
			return 0, nil
		}
		return 0, wrapped
	}
	return n, nil
}

// fileMetadataInitialized reports whether IndexProjectDelta's
// prerequisite metadata pass has run for this agent.
func fileMetadataInitialized(db *agentdb.DB, agentID string) (bool, error) {
	var found string
	err := db.Conn().QueryRow(`SELECT agent_id FROM file_metadata_initialized WHERE agent_id = `+db.Placeholder(1), agentID).Scan(&found)
	if err == nil {
		return true, nil
	}
	wrapped := agentdb.WrapQueryError("check file_metadata_initialized", err)
	if core.IsSchemaNotReady(wrapped) {
		return false, nil
	}
	if strings.Contains(err.Error(), "no rows") {
		return false, nil
	}
	return false, wrapped
}

func markFileMetadataInitialized(db *agentdb.DB, agentID string) error {
	_, err := db.Conn().Exec(`INSERT OR IGNORE INTO file_metadata_initialized (agent_id) VALUES (`+db.Placeholder(1)+`)`, agentID)
	return agentdb.WrapQueryError("mark file_metadata_initialized", err)
}

// IndexProjectDelta implements spec.md §4.C9 indexProjectDelta: requires
// file hash/mtime metadata to already exist; if absent, falls back to a
// full IndexProject and initializes the metadata marker afterward.
func IndexProjectDelta(db *agentdb.DB, agentID, path string, opts IndexOptions) error {
	initialized, err := fileMetadataInitialized(db, agentID)
	if err != nil {
		return err
	}
	if !initialized {
		if err := IndexProject(db, path, opts); err != nil {
			return err
		}
		return markFileMetadataInitialized(db, agentID)
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if len(opts.Extensions) > 0 && !hasExtension(p, opts.Extensions) {
			return nil
		}
		changed, err := fileChanged(db, path, p)
		if err != nil || !changed {
			return nil
		}
		return indexFile(db, path, p)
	})
}

func fileChanged(db *agentdb.DB, root, fullPath string) (bool, error) {
	rel, err := filepath.Rel(root, fullPath)
	if err != nil {
		rel = fullPath
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return false, nil
	}
	var storedMtime int64
	err = db.Conn().QueryRow(`SELECT mtime FROM node_files WHERE path = `+db.Placeholder(1), rel).Scan(&storedMtime)
	if err != nil {
		return true, nil // not yet indexed
	}
	return info.ModTime().Unix() != storedMtime, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
