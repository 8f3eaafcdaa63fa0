package cache

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/voxml/scanset/transform"
)

// Namespace summarizes one fingerprint directory in the store.
type Namespace struct {
	Fingerprint string
	Entries     int
	Bytes       int64
}

// Namespaces lists every fingerprint namespace in the store with entry
// counts and sizes. Operators use this to spot orphaned namespaces after
// a config change.
func (c *Cache) Namespaces(ctx context.Context) ([]Namespace, error) {
	names, err := c.store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	byFP := map[string]*Namespace{}
	var order []string
	for _, name := range names {
		fp, rest, ok := strings.Cut(name, "/")
		if !ok || !strings.HasSuffix(rest, EntryExt) {
			continue
		}
		ns := byFP[fp]
		if ns == nil {
			ns = &Namespace{Fingerprint: fp}
			byFP[fp] = ns
			order = append(order, fp)
		}
		ns.Entries++
		if size, err := c.store.Stat(ctx, name); err == nil {
			ns.Bytes += size
		}
	}

	out := make([]Namespace, 0, len(order))
	for _, fp := range order {
		out = append(out, *byFP[fp])
	}
	return out, nil
}

// Clear deletes every entry in a fingerprint namespace, including its
// config marker. Purely a disk-space reclamation operation: correctness
// never requires clearing, because config changes move to a fresh
// namespace.
func (c *Cache) Clear(ctx context.Context, fp transform.Fingerprint) error {
	c.markers.Delete(fp.String())

	// Fast path for the local store: remove the whole directory.
	if rm, ok := c.store.(interface{ RemoveAll(prefix string) error }); ok {
		return rm.RemoveAll(fp.String())
	}

	names, err := c.store.List(ctx, fp.String()+"/")
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := c.store.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Prune deletes every namespace except the ones in keep. A run that knows
// its active configs can reclaim all stale disk in one call.
func (c *Cache) Prune(ctx context.Context, keep []transform.Fingerprint) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, fp := range keep {
		keepSet[fp.String()] = struct{}{}
	}

	namespaces, err := c.Namespaces(ctx)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		if _, ok := keepSet[ns.Fingerprint]; ok {
			continue
		}
		var fp transform.Fingerprint
		if !parseFingerprint(ns.Fingerprint, &fp) {
			continue
		}
		if err := c.Clear(ctx, fp); err != nil {
			return err
		}
	}
	return nil
}

// Sweep removes temp files left by crashed writers, when the store
// supports it. Orphaned temps are garbage, never a hazard, so this is
// optional hygiene.
func (c *Cache) Sweep() error {
	if sw, ok := c.store.(interface{ Sweep() error }); ok {
		return sw.Sweep()
	}
	return nil
}

func parseFingerprint(hexStr string, fp *transform.Fingerprint) bool {
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != len(fp) {
		return false
	}
	copy(fp[:], b)
	return true
}
