package supertenant

// SetAfterLookup installs fn to run between a directory lookup and the
// cache write that follows it.
func (g *Gateway) SetAfterLookup(fn func()) {
	g.afterLookup = fn
}
