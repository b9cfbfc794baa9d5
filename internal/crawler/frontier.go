package crawler

import "context"

// MemoryFrontier is an in-process FIFO of URLs. A URL is queued at most once
// at a time; after it is popped it may be queued again. Not safe for
// concurrent use.
type MemoryFrontier struct {
	queue   []string
	pending map[string]struct{}
}

func NewMemoryFrontier() *MemoryFrontier {
	return &MemoryFrontier{pending: make(map[string]struct{})}
}

func (f *MemoryFrontier) Push(_ context.Context, url string) (bool, error) {
	if _, ok := f.pending[url]; ok {
		return false, nil
	}
	f.pending[url] = struct{}{}
	f.queue = append(f.queue, url)
	return true, nil
}

func (f *MemoryFrontier) Pop(_ context.Context) (string, bool, error) {
	if len(f.queue) == 0 {
		return "", false, nil
	}
	url := f.queue[0]
	f.queue[0] = ""
	f.queue = f.queue[1:]
	delete(f.pending, url)
	return url, true, nil
}

func (f *MemoryFrontier) Len(_ context.Context) (int, error) {
	return len(f.queue), nil
}

// MemoryVisitedSet is an in-process set of visited URLs. Not safe for
// concurrent use.
type MemoryVisitedSet struct {
	urls map[string]struct{}
}

func NewMemoryVisitedSet() *MemoryVisitedSet {
	return &MemoryVisitedSet{urls: make(map[string]struct{})}
}

func (v *MemoryVisitedSet) Add(_ context.Context, url string) error {
	v.urls[url] = struct{}{}
	return nil
}

func (v *MemoryVisitedSet) Contains(_ context.Context, url string) (bool, error) {
	_, ok := v.urls[url]
	return ok, nil
}

func (v *MemoryVisitedSet) Len(_ context.Context) (int, error) {
	return len(v.urls), nil
}
