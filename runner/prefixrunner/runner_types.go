// runner_types.go - Typen fuer den Prefix-Runner
//
// Enthaelt:
// - Request: eine Generierungs-Anfrage mit Tokens und Layer-Caches
// - PrefixRunner: Haupt-Struktur, serialisiert Zugriffe auf den Prefix-Cache

package prefixrunner

import (
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/prefixcache/kvcache"
)

// Request ist eine einzelne Generierungs-Anfrage. Sie implementiert
// kvcache.Sequence.
type Request struct {
	ID uuid.UUID

	// Prompt-Tokens, Schluessel im Prefix-Cache
	tokens []uint32

	// Layer-Caches, entweder aus dem Prefix-Cache geladen oder nach dem
	// Forward Pass gesetzt
	cache kvcache.LayerCaches

	// True wenn Admit die Caches aus dem Prefix-Cache geladen hat
	cached bool

	// Von Admit geladene Caches. Bei shared gehoeren die Tensoren dem
	// Prefix-Cache, sonst ist es eine eigene Kopie im Host-Speicher.
	loaded kvcache.LayerCaches
	shared bool

	// True solange die Anfrage einen Slot belegt
	admitted bool
}

// NewRequest erstellt eine Anfrage fuer die gegebenen Tokens
func NewRequest(tokens []uint32) *Request {
	return &Request{ID: uuid.New(), tokens: slices.Clone(tokens)}
}

func (r *Request) Tokens() []uint32 {
	return r.tokens
}

func (r *Request) Cache() kvcache.LayerCaches {
	return r.cache
}

// SetCache setzt die Layer-Caches nach einem Forward Pass
func (r *Request) SetCache(c kvcache.LayerCaches) {
	r.cache = c
	r.cached = false
}

// Cached meldet ob die Layer-Caches aus dem Prefix-Cache stammen
func (r *Request) Cached() bool {
	return r.cached
}

// PrefixRunner serialisiert den Zugriff auf einen kvcache.PrefixCache und
// begrenzt die Anzahl gleichzeitig aktiver Anfragen.
type PrefixRunner struct {
	// Semaphore fuer maximale Anzahl paralleler Anfragen
	seqsSem *semaphore.Weighted

	mu sync.Mutex

	// nil wenn der Prefix-Cache deaktiviert ist
	cache *kvcache.PrefixCache

	// Geraete-Layer, die an laufende Anfragen verliehen sind
	lent map[*kvcache.LayerCache]int

	// Vom Prefix-Cache abgegebene Layer, die noch verliehen sind
	dropped map[*kvcache.LayerCache]bool
}
