// runner.go - Ablauf um den Prefix-Cache
//
// Enthaelt:
// - NewPrefixRunner: Konstruktor
// - Admit: Slot belegen und passenden Cache laden
// - Finish/Cancel: Slot freigeben, Cache ggf. speichern
// - Reclaim: Eviction ausloesen
// - Stats: Statistiken des Prefix-Caches

package prefixrunner

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/ollama/prefixcache/kvcache"
	"github.com/ollama/prefixcache/logutil"
	"github.com/ollama/prefixcache/ml"
)

// NewPrefixRunner erstellt einen Runner fuer bis zu parallel gleichzeitige
// Anfragen. cache darf nil sein, dann wird nichts zwischengespeichert.
//
// Der Runner uebernimmt die Freigabe der Geraete-Tensoren, die der Cache
// abgibt. Verliehene Layer werden erst freigegeben, wenn die letzte Anfrage
// sie zurueckgibt.
func NewPrefixRunner(cache *kvcache.PrefixCache, parallel int) *PrefixRunner {
	s := &PrefixRunner{
		seqsSem: semaphore.NewWeighted(int64(max(parallel, 1))),
		cache:   cache,
		lent:    make(map[*kvcache.LayerCache]int),
		dropped: make(map[*kvcache.LayerCache]bool),
	}

	if cache != nil {
		cache.SetDropFunc(s.drop)
	}

	return s
}

// Admit wartet auf einen freien Slot und laedt die Layer-Caches einer
// frueheren Anfrage mit identischen Tokens. Ein Transferfehler beim Laden
// wird wie ein Cache-Miss behandelt, die Anfrage muss dann neu rechnen.
func (s *PrefixRunner) Admit(ctx context.Context, req *Request) error {
	if err := s.seqsSem.Acquire(ctx, 1); err != nil {
		return err
	}
	req.admitted = true

	if s.cache == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shared := s.cache.OnDevice(req.tokens)
	caches, err := s.cache.Lookup(req.tokens)
	if err != nil {
		var terr *ml.TransferError
		if errors.As(err, &terr) {
			slog.Warn("prefix cache unavailable, recomputing", "id", req.ID, "tokens", len(req.tokens), "error", err)
			return nil
		}

		s.release(req)
		return err
	}

	if caches != nil {
		req.cache = caches
		req.cached = true
		req.loaded = caches
		req.shared = shared

		if shared {
			for _, layer := range caches {
				if layer != nil {
					s.lent[layer]++
				}
			}
		}

		logutil.Trace("prefix cache hit", "id", req.ID, "tokens", len(req.tokens), "shared", shared)
	}

	return nil
}

// Finish speichert die Layer-Caches der Anfrage im Prefix-Cache und gibt
// ihren Slot frei. Es wird nicht automatisch evicted. Caches, die Admit aus
// dem Prefix-Cache geladen hat, liegen dort bereits und werden nicht erneut
// gespeichert. Ohne Prefix-Cache werden die Caches freigegeben.
func (s *PrefixRunner) Finish(req *Request) {
	if !req.admitted {
		return
	}

	s.mu.Lock()
	s.unload(req)
	if !req.cached && len(req.cache) > 0 {
		if s.cache != nil {
			s.cache.Insert(req)
		} else {
			req.cache.Release()
		}
	}
	s.mu.Unlock()

	s.release(req)
}

// Cancel gibt den Slot einer Anfrage frei ohne zu speichern. Selbst
// berechnete Caches werden freigegeben.
func (s *PrefixRunner) Cancel(req *Request) {
	if !req.admitted {
		return
	}

	s.mu.Lock()
	s.unload(req)
	if !req.cached {
		req.cache.Release()
	}
	s.mu.Unlock()

	s.release(req)
}

// unload gibt die von Admit geladenen Caches zurueck: geteilte Layer an den
// Prefix-Cache, Host-Kopien an das Backend.
func (s *PrefixRunner) unload(req *Request) {
	loaded := req.loaded
	req.loaded = nil

	if !req.shared {
		loaded.Release()
		return
	}

	for _, layer := range loaded {
		if layer == nil {
			continue
		}

		if s.lent[layer]--; s.lent[layer] > 0 {
			continue
		}

		delete(s.lent, layer)
		if s.dropped[layer] {
			delete(s.dropped, layer)
			kvcache.LayerCaches{layer}.Release()
		}
	}
}

// drop gibt Geraete-Layer frei, die der Prefix-Cache nicht mehr haelt.
// Aufrufer halten s.mu.
func (s *PrefixRunner) drop(caches kvcache.LayerCaches) {
	var released int
	for _, layer := range caches {
		if s.lent[layer] > 0 {
			s.dropped[layer] = true
			continue
		}

		kvcache.LayerCaches{layer}.Release()
		released++
	}

	logutil.Trace("prefix cache layers dropped", "layers", len(caches), "released", released)
}

func (s *PrefixRunner) release(req *Request) {
	if req.admitted {
		req.admitted = false
		s.seqsSem.Release(1)
	}
}

// Reclaim verschiebt ueberzaehlige Eintraege des Prefix-Caches in den
// Host-Speicher.
func (s *PrefixRunner) Reclaim() (int, error) {
	if s.cache == nil {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cache.EvictToHost()
}

// Stats gibt die Statistiken des Prefix-Caches zurueck
func (s *PrefixRunner) Stats() kvcache.PrefixCacheStats {
	if s.cache == nil {
		return kvcache.PrefixCacheStats{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cache.Stats()
}
