// Package resume builds and restores portable run bundles: a hash-manifested
// snapshot of working set, ledger, and latest episode that can be relocated
// to another machine and rehydrated into a fresh run directory.
package resume

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/aos-labs/contextd/internal/episode"
	"github.com/aos-labs/contextd/internal/fsio"
	"github.com/aos-labs/contextd/internal/model"
	"github.com/aos-labs/contextd/internal/schema"
)

// Canonical file names inside a pack. Paths in the manifest are always
// relative to the pack root.
const (
	ManifestName = "manifest.json"
	WSName       = "state/working_set.json"
	LedgerName   = "ledger/run.jsonl"
	EpisodeName  = "episodes/latest.json"
)

// SnapshotParams configures one snapshot.
type SnapshotParams struct {
	RunDir   string
	RunID    string
	ZipPack  bool
	Pointers map[string]any
}

// Snapshot materializes a resume pack under <run>/resume and returns the
// manifest and the pack path. The pack appears atomically: it is staged under
// a temp name and renamed into place.
func Snapshot(p SnapshotParams) (*model.PackManifest, string, error) {
	packID := "pack_" + ulid.Make().String()
	resumeDir := filepath.Join(p.RunDir, "resume")
	staging := filepath.Join(resumeDir, "."+packID+".staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, "", model.EWrap(model.KindIO, err, "create staging dir")
	}
	defer os.RemoveAll(staging)

	sources := map[string]string{
		WSName:     filepath.Join(p.RunDir, "state", "working_set.json"),
		LedgerName: filepath.Join(p.RunDir, "ledger", "run.jsonl"),
	}

	// Validate the working set before it goes into the pack.
	wsData, err := os.ReadFile(sources[WSName])
	if err != nil {
		return nil, "", model.EWrap(model.KindIO, err, "read working set")
	}
	var ws model.WorkingSet
	if err := schema.Decode(wsData, &ws); err != nil {
		return nil, "", err
	}

	if _, epPath, err := episode.Latest(filepath.Join(p.RunDir, "episodes")); err == nil {
		sources[EpisodeName] = epPath
	} else if model.KindOf(err) != model.KindNotFound {
		return nil, "", err
	}

	rels := make([]string, 0, len(sources))
	for rel := range sources {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	for _, rel := range rels {
		if err := copyFile(sources[rel], filepath.Join(staging, rel)); err != nil {
			return nil, "", err
		}
	}

	files, err := hashAll(staging, rels)
	if err != nil {
		return nil, "", err
	}

	manifest := &model.PackManifest{
		SchemaVersion: model.SchemaVersion,
		PackID:        packID,
		RunID:         p.RunID,
		CreatedAt:     time.Now().UTC(),
		Files:         files,
		Pointers:      p.Pointers,
	}
	if err := schema.Check(manifest); err != nil {
		return nil, "", err
	}
	mdata, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", model.EWrap(model.KindIO, err, "marshal manifest")
	}
	if err := fsio.WriteAtomic(filepath.Join(staging, ManifestName), append(mdata, '\n')); err != nil {
		return nil, "", err
	}

	if p.ZipPack {
		path := filepath.Join(resumeDir, packID+".zip")
		if err := zipDir(staging, path); err != nil {
			return nil, "", err
		}
		return manifest, path, nil
	}

	path := filepath.Join(resumeDir, packID)
	if err := os.Rename(staging, path); err != nil {
		return nil, "", model.EWrap(model.KindIO, err, "finalize pack")
	}
	return manifest, path, nil
}

// hashAll computes sha256 and size for each relative path, in parallel.
func hashAll(root string, rels []string) (map[string]model.FileEntry, error) {
	entries := make([]model.FileEntry, len(rels))
	var g errgroup.Group
	for i, rel := range rels {
		g.Go(func() error {
			sum, size, err := hashFile(filepath.Join(root, rel))
			if err != nil {
				return err
			}
			entries[i] = model.FileEntry{SHA256: sum, Size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]model.FileEntry, len(rels))
	for i, rel := range rels {
		out[rel] = entries[i]
	}
	return out, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, model.EWrap(model.KindIO, err, "open %s", path)
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, model.EWrap(model.KindIO, err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return model.EWrap(model.KindIO, err, "create dir for %s", dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return model.EWrap(model.KindIO, err, "open %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return model.EWrap(model.KindIO, err, "create %s", dst)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return model.EWrap(model.KindIO, err, "copy %s", src)
	}
	return out.Sync()
}

// zipDir packs the staging directory into a zip that appears atomically.
func zipDir(staging, dst string) error {
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return model.EWrap(model.KindIO, err, "create zip")
	}
	zw := zip.NewWriter(f)

	fail := func(err error) error {
		_ = zw.Close()
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}

	err = filepath.Walk(staging, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(staging, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		return fail(model.EWrap(model.KindIO, err, "write zip"))
	}
	if err := zw.Close(); err != nil {
		return fail(model.EWrap(model.KindIO, err, "close zip"))
	}
	if err := f.Sync(); err != nil {
		return fail(model.EWrap(model.KindIO, err, "sync zip"))
	}
	if err := f.Close(); err != nil {
		return fail(model.EWrap(model.KindIO, err, "close zip file"))
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fail(model.EWrap(model.KindIO, err, "finalize zip"))
	}
	return nil
}

// LoadResult describes a restored pack.
type LoadResult struct {
	RunID      string
	PriorRunID string
	PackID     string
	RunDir     string
	WS         *model.WorkingSet
}

// Load opens a pack (zip or directory), verifies every file against the
// manifest hashes, and materializes a fresh run directory under runsRoot.
// The restored working set keeps its sequence counter but takes the new run
// id.
func Load(packPath, runsRoot, newRunID string) (*LoadResult, error) {
	files, err := openPack(packPath)
	if err != nil {
		return nil, err
	}

	mdata, ok := files[ManifestName]
	if !ok {
		return nil, model.E(model.KindCorruption, "pack has no %s", ManifestName)
	}
	var manifest model.PackManifest
	if err := schema.Decode(mdata, &manifest); err != nil {
		return nil, err
	}

	for rel, entry := range manifest.Files {
		if filepath.IsAbs(rel) || strings.Contains(rel, "..") {
			return nil, model.E(model.KindSchema, "manifest path %q is not relative", rel)
		}
		data, ok := files[rel]
		if !ok {
			e := model.E(model.KindCorruption, "pack is missing %s", rel)
			return nil, e.WithDetail("path", rel)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != entry.SHA256 {
			e := model.E(model.KindCorruption, "hash mismatch for %s", rel)
			return nil, e.WithDetail("path", rel)
		}
		if int64(len(data)) != entry.Size {
			e := model.E(model.KindCorruption, "size mismatch for %s", rel)
			return nil, e.WithDetail("path", rel)
		}
	}

	wsData, ok := files[WSName]
	if !ok {
		return nil, model.E(model.KindCorruption, "pack has no working set")
	}
	var ws model.WorkingSet
	if err := schema.Decode(wsData, &ws); err != nil {
		return nil, err
	}
	if epData, ok := files[EpisodeName]; ok {
		var ep model.Episode
		if err := schema.Decode(epData, &ep); err != nil {
			return nil, err
		}
	}

	runID := newRunID
	if runID == "" {
		runID = "run_" + ulid.Make().String()
	}
	runDir := filepath.Join(runsRoot, runID)
	if _, err := os.Stat(runDir); err == nil {
		return nil, model.E(model.KindConflict, "run %s already exists", runID)
	}
	for _, sub := range []string{"state", "ledger", "episodes", "resume"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, model.EWrap(model.KindIO, err, "create run dir")
		}
	}

	priorRunID := ws.RunID
	ws.RunID = runID
	newWS, err := json.MarshalIndent(&ws, "", "  ")
	if err != nil {
		return nil, model.EWrap(model.KindIO, err, "marshal working set")
	}
	if err := fsio.WriteAtomic(filepath.Join(runDir, "state", "working_set.json"), append(newWS, '\n')); err != nil {
		return nil, err
	}
	if err := fsio.WriteAtomic(filepath.Join(runDir, "ledger", "run.jsonl"), files[LedgerName]); err != nil {
		return nil, err
	}
	if epData, ok := files[EpisodeName]; ok {
		if err := fsio.WriteAtomic(filepath.Join(runDir, "episodes", "restored.json"), epData); err != nil {
			return nil, err
		}
	}

	return &LoadResult{
		RunID:      runID,
		PriorRunID: priorRunID,
		PackID:     manifest.PackID,
		RunDir:     runDir,
		WS:         &ws,
	}, nil
}

// openPack reads every file of a zip or directory pack into memory, keyed by
// slash-separated relative path. Packs are small by construction.
func openPack(packPath string) (map[string][]byte, error) {
	info, err := os.Stat(packPath)
	if err != nil {
		return nil, model.E(model.KindNotFound, "pack not found at %s", packPath)
	}

	files := map[string][]byte{}
	if info.IsDir() {
		err := filepath.Walk(packPath, func(path string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return err
			}
			rel, err := filepath.Rel(packPath, path)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			files[filepath.ToSlash(rel)] = data
			return nil
		})
		if err != nil {
			return nil, model.EWrap(model.KindIO, err, "read pack dir")
		}
		return files, nil
	}

	zr, err := zip.OpenReader(packPath)
	if err != nil {
		return nil, model.EWrap(model.KindCorruption, err, "open zip pack")
	}
	defer zr.Close()
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, model.EWrap(model.KindCorruption, err, "open %s in pack", zf.Name)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, model.EWrap(model.KindCorruption, err, "read %s in pack", zf.Name)
		}
		files[zf.Name] = data
	}
	return files, nil
}
