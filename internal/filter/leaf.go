package filter

import (
	"regexp"
	"sync"
)

type titleRegexNode struct {
	re *regexp.Regexp
}

func (n titleRegexNode) Eval(item *Item) (bool, error) {
	return n.re.MatchString(item.Title), nil
}

type bodyRegexNode struct {
	re *regexp.Regexp
}

func (n bodyRegexNode) Eval(item *Item) (bool, error) {
	return n.re.MatchString(item.Body), nil
}

// RegexCache deduplicates compiled patterns within one configuration
// generation. Snapshots own their cache, so a reload drops every cached
// pattern wholesale.
type RegexCache struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

func NewRegexCache() *RegexCache {
	return &RegexCache{patterns: make(map[string]*regexp.Regexp)}
}

func (c *RegexCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.patterns[pattern] = re
	return re, nil
}

// Len reports how many distinct patterns this generation has compiled.
func (c *RegexCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.patterns)
}
