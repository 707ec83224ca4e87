package agentreg

import (
	"archive/zip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/aimaestro/aimaestrod/internal/amp"
	"github.com/aimaestro/aimaestrod/internal/core"
	"github.com/aimaestro/aimaestrod/internal/identity"
)

// manifestVersion is the current portable-archive format version (§4.C7).
const manifestVersion = "1"

// knownManifestVersions are the versions Import will accept.
var knownManifestVersions = map[string]bool{"1": true}

// manifest is manifest.json's shape: {version, contents}.
type manifest struct {
	Version  string   `json:"version"`
	Contents []string `json:"contents"`
}

// RepoEntry is one portable repository reference an export may carry,
// cloned back into place on import (spec.md §4.C7 step 5).
type RepoEntry struct {
	Path      string `json:"path"`
	OriginURL string `json:"originUrl"`
}

// CloneStatus is the per-repo outcome of an import's clone step.
type CloneStatus string

const (
	CloneCloned  CloneStatus = "cloned"
	CloneExists  CloneStatus = "exists"
	CloneSkipped CloneStatus = "skipped"
	CloneFailed  CloneStatus = "failed"
)

// CloneResult reports the outcome for one RepoEntry.
type CloneResult struct {
	Path   string      `json:"path"`
	Status CloneStatus `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// Export writes a ZIP archive of agent a's entire directory tree to w:
// manifest, registry.json entry, the agent database file, messages,
// skills, hooks, and keys/registrations. File modes are not preserved in
// the archive; Import re-applies 0600/0644. auditLog, if non-nil, is
// invoked once on success (spec.md §4's Audit log supplement).
func Export(w io.Writer, agentDir string, a Agent, repos []RepoEntry, auditLog func(action, detail string)) error {
	zw := zip.NewWriter(w)
	defer zw.Close()

	entryJSON, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return core.Wrap(core.KindTransient, "marshal agent entry", err)
	}
	contents := []string{"registry.json"}
	if err := writeZIPEntry(zw, "registry.json", entryJSON); err != nil {
		return err
	}

	if len(repos) > 0 {
		reposJSON, err := json.MarshalIndent(repos, "", "  ")
		if err != nil {
			return core.Wrap(core.KindTransient, "marshal repos", err)
		}
		if err := writeZIPEntry(zw, "repos.json", reposJSON); err != nil {
			return err
		}
		contents = append(contents, "repos.json")
	}

	for _, rel := range []string{
		"agent.db",
		"keys/private.pem",
		"keys/public.pem",
		"skill-settings.json",
	} {
		full := filepath.Join(agentDir, rel)
		if err := addFileIfExists(zw, full, rel, &contents); err != nil {
			return err
		}
	}

	for _, dir := range []string{
		"messages/inbox", "messages/sent", "messages/archived",
		"skills/custom", "hooks", "registrations",
	} {
		if err := addDirIfExists(zw, filepath.Join(agentDir, dir), dir, &contents); err != nil {
			return err
		}
	}

	man := manifest{Version: manifestVersion, Contents: contents}
	manJSON, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return core.Wrap(core.KindTransient, "marshal manifest", err)
	}
	if err := writeZIPEntry(zw, "manifest.json", manJSON); err != nil {
		return err
	}
	if auditLog != nil {
		auditLog("export_agent", fmt.Sprintf("id=%s name=%s", a.ID, a.Name))
	}
	return nil
}

func writeZIPEntry(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return core.Wrap(core.KindTransient, "create zip entry "+name, err)
	}
	_, err = f.Write(data)
	if err != nil {
		return core.Wrap(core.KindTransient, "write zip entry "+name, err)
	}
	return nil
}

func addFileIfExists(zw *zip.Writer, full, rel string, contents *[]string) error {
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.Wrap(core.KindTransient, "read "+rel, err)
	}
	*contents = append(*contents, rel)
	return writeZIPEntry(zw, rel, data)
}

func addDirIfExists(zw *zip.Writer, dir, rel string, contents *[]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.Wrap(core.KindTransient, "read dir "+rel, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := addFileIfExists(zw, filepath.Join(dir, e.Name()), filepath.Join(rel, e.Name()), contents); err != nil {
			return err
		}
	}
	return nil
}

// ImportOptions configures Import.
type ImportOptions struct {
	Overwrite  bool
	CloneRepos bool
}

// ImportResult reports the outcome of an archive import.
type ImportResult struct {
	Agent        Agent
	Warnings     []string
	CloneResults []CloneResult
}

// Import extracts a ZIP archive into the registry and agent directory
// tree rooted at home, per spec.md §4.C7.
func (r *Registry) Import(zr *zip.Reader, home string, opts ImportOptions) (ImportResult, error) {
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return ImportResult{}, core.Wrap(core.KindIntegrity, "open archive entry "+f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return ImportResult{}, core.Wrap(core.KindIntegrity, "read archive entry "+f.Name, err)
		}
		files[f.Name] = data
	}

	manRaw, ok := files["manifest.json"]
	if !ok {
		return ImportResult{}, core.New(core.KindIntegrity, "archive missing manifest.json")
	}
	var man manifest
	if err := json.Unmarshal(manRaw, &man); err != nil {
		return ImportResult{}, core.Wrap(core.KindIntegrity, "parse manifest.json", err)
	}
	if !knownManifestVersions[man.Version] {
		return ImportResult{}, core.Newf(core.KindValidation, "unsupported archive manifest version %q", man.Version)
	}

	regRaw, ok := files["registry.json"]
	if !ok {
		return ImportResult{}, core.New(core.KindIntegrity, "archive missing registry.json")
	}
	var a Agent
	if err := json.Unmarshal(regRaw, &a); err != nil {
		return ImportResult{}, core.Wrap(core.KindIntegrity, "parse registry.json", err)
	}

	var result ImportResult

	if existing, found := r.ByName(a.Name); found {
		if !opts.Overwrite {
			return ImportResult{}, core.Newf(core.KindConflict, "agent %q already exists", a.Name).WithCode("agent_exists")
		}
		a.ID = existing.ID
	} else if _, found := r.Get(a.ID); found {
		a.ID = uuid.NewString()
	}

	agentDir := filepath.Join(home, "agents", a.ID)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return ImportResult{}, core.Wrap(core.KindTransient, "mkdir agent dir", err)
	}

	for _, rel := range []string{"agent.db", "skill-settings.json"} {
		if data, ok := files[rel]; ok {
			if err := writeRestored(filepath.Join(agentDir, rel), data, 0o644); err != nil {
				return ImportResult{}, err
			}
		}
	}
	for _, rel := range []string{
		"messages/inbox", "messages/sent", "messages/archived",
		"skills/custom", "hooks", "registrations",
	} {
		for name, data := range files {
			if strings.HasPrefix(name, rel+"/") {
				if err := writeRestored(filepath.Join(agentDir, name), data, 0o600); err != nil {
					return ImportResult{}, err
				}
			}
		}
	}

	privKey, havePriv := files["keys/private.pem"]
	pubKey, havePub := files["keys/public.pem"]
	if havePriv && havePub {
		if err := writeRestored(filepath.Join(agentDir, "keys", "private.pem"), privKey, 0o600); err != nil {
			return ImportResult{}, err
		}
		if err := writeRestored(filepath.Join(agentDir, "keys", "public.pem"), pubKey, 0o644); err != nil {
			return ImportResult{}, err
		}
	} else {
		result.Warnings = append(result.Warnings, "archive declared keys but files were missing; a new identity was generated")
	}

	kp, err := identity.LoadOrGenerate(agentDir)
	if err != nil {
		return ImportResult{}, err
	}
	addr, err := amp.ParseAddress(a.Name, a.HostID)
	if err == nil {
		a.AMPIdentity = ampIdentityFrom(kp.Fingerprint(), base64.StdEncoding.EncodeToString(kp.Public), addr)
	}

	if opts.Overwrite {
		if err := r.Update(a); err != nil {
			return ImportResult{}, err
		}
	} else {
		created, err := r.Create(a)
		if err != nil {
			return ImportResult{}, err
		}
		a = created
	}
	result.Agent = a
	r.logAudit("import_agent", fmt.Sprintf("id=%s name=%s overwrite=%t", a.ID, a.Name, opts.Overwrite))

	if reposRaw, ok := files["repos.json"]; ok && opts.CloneRepos {
		var repos []RepoEntry
		if err := json.Unmarshal(reposRaw, &repos); err == nil {
			for _, repo := range repos {
				result.CloneResults = append(result.CloneResults, cloneRepo(repo))
			}
		}
	}

	return result, nil
}

func writeRestored(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.Wrap(core.KindTransient, "mkdir "+filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return core.Wrap(core.KindTransient, "write "+path, err)
	}
	return nil
}

// cloneRepo implements spec.md §4.C7 step 5: clone, or verify an existing
// checkout's origin matches, never overwriting a non-matching directory.
func cloneRepo(repo RepoEntry) CloneResult {
	info, err := os.Stat(repo.Path)
	if err == nil && info.IsDir() {
		origin, err := exec.Command("git", "-C", repo.Path, "remote", "get-url", "origin").Output()
		if err != nil {
			return CloneResult{Path: repo.Path, Status: CloneFailed, Reason: "could not read existing origin"}
		}
		if strings.TrimSpace(string(origin)) == repo.OriginURL {
			return CloneResult{Path: repo.Path, Status: CloneExists}
		}
		return CloneResult{Path: repo.Path, Status: CloneFailed, Reason: "existing directory origin mismatch"}
	}

	if err := os.MkdirAll(filepath.Dir(repo.Path), 0o755); err != nil {
		return CloneResult{Path: repo.Path, Status: CloneFailed, Reason: err.Error()}
	}
	cmd := exec.Command("git", "clone", repo.OriginURL, repo.Path)
	if out, err := cmd.CombinedOutput(); err != nil {
		slog.Warn("agentreg: git clone failed", "path", repo.Path, "err", err, "output", string(out))
		return CloneResult{Path: repo.Path, Status: CloneFailed, Reason: err.Error()}
	}
	return CloneResult{Path: repo.Path, Status: CloneCloned}
}
