package semantic

// Stats reports cache effectiveness for one or more runs.
type Stats struct {
	Hits        int `json:"hits"`
	Misses      int `json:"misses"`
	Expressions int `json:"expressions"`
	References  int `json:"references"`
}

type refKey struct {
	scope string
	path  string
}

// Cache memoizes expression analyses by (scope, expression identity) and
// reference resolutions by (scope, access path). One validation owns a
// Cache at a time; it is not safe for concurrent use.
type Cache struct {
	fingerprint string
	maxDepth    int
	exprs       map[string]*Analysis
	refs        map[refKey]refResult
	hits        int
	misses      int
}

func NewCache() *Cache {
	return &Cache{exprs: map[string]*Analysis{}, refs: map[refKey]refResult{}}
}

// Begin prepares the cache for a run over a document with the given
// fingerprint and depth bound. Entries computed for a different document
// or bound are dropped; hit/miss counters restart either way.
func (c *Cache) Begin(fingerprint string, maxDepth int) {
	if fingerprint == "" || fingerprint != c.fingerprint || maxDepth != c.maxDepth {
		c.exprs = map[string]*Analysis{}
		c.refs = map[refKey]refResult{}
	}
	c.fingerprint = fingerprint
	c.maxDepth = maxDepth
	c.hits, c.misses = 0, 0
}

func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits, Misses: c.misses, Expressions: len(c.exprs), References: len(c.refs)}
}

func (c *Cache) expression(key string) (*Analysis, bool) {
	a, ok := c.exprs[key]
	c.count(ok)
	return a, ok
}

func (c *Cache) storeExpression(key string, a *Analysis) {
	c.exprs[key] = a
}

func (c *Cache) reference(k refKey) (refResult, bool) {
	r, ok := c.refs[k]
	c.count(ok)
	return r, ok
}

func (c *Cache) storeReference(k refKey, r refResult) {
	c.refs[k] = r
}

func (c *Cache) count(hit bool) {
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}
