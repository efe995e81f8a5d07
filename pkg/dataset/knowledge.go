package dataset

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Triple is one knowledge-graph fact (head, relation, tail).
type Triple struct {
	Head     int64
	Relation int64
	Tail     int64
}

// KnowledgeGraph stores interned triples for the knowledge task.
// Entity id 0 is the padding sentinel, matching the item space: item
// entities should be interned first so item i and entity i coincide.
type KnowledgeGraph struct {
	EntityHash   map[string]int64
	EntityKeys   []string
	RelationHash map[string]int64
	RelationKeys []string

	Triples []Triple

	// tails known per (head, relation), used to reject false negatives.
	observed map[[2]int64]map[int64]bool

	// Frequency-smoothed sampler for corruptions, rebuilt lazily when
	// triples arrive after it was built.
	sampler        *AliasTable
	sampledTriples int
}

// NewKnowledgeGraph returns an empty graph with the sentinel entity
// interned.
func NewKnowledgeGraph() *KnowledgeGraph {
	return &KnowledgeGraph{
		EntityHash:   make(map[string]int64),
		EntityKeys:   []string{"[PAD]"},
		RelationHash: make(map[string]int64),
		RelationKeys: []string{},
		observed:     make(map[[2]int64]map[int64]bool),
	}
}

// SeedEntities interns names in order so their entity ids equal their
// position offsets. Used to align item ids with entity ids.
func (kg *KnowledgeGraph) SeedEntities(names []string) {
	for _, name := range names[1:] { // skip the caller's own sentinel
		kg.getOrCreateEntity(name)
	}
}

// LoadTriples reads whitespace-separated "head relation tail" lines.
func (kg *KnowledgeGraph) LoadTriples(filename string, logger *zap.Logger) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 3 {
			continue
		}
		kg.Add(parts[0], parts[1], parts[2])
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading %s: %w", filename, err)
	}

	logger.Info("knowledge graph loaded",
		zap.String("file", filename),
		zap.Int("entities", kg.EntityCount()-1),
		zap.Int("relations", kg.RelationCount()),
		zap.Int("triples", len(kg.Triples)))
	return nil
}

// Add interns the names and records the triple.
func (kg *KnowledgeGraph) Add(head, relation, tail string) {
	h := kg.getOrCreateEntity(head)
	r := kg.getOrCreateRelation(relation)
	t := kg.getOrCreateEntity(tail)
	kg.Triples = append(kg.Triples, Triple{Head: h, Relation: r, Tail: t})

	key := [2]int64{h, r}
	if kg.observed[key] == nil {
		kg.observed[key] = make(map[int64]bool)
	}
	kg.observed[key][t] = true
}

func (kg *KnowledgeGraph) getOrCreateEntity(name string) int64 {
	if id, ok := kg.EntityHash[name]; ok {
		return id
	}
	id := int64(len(kg.EntityKeys))
	kg.EntityHash[name] = id
	kg.EntityKeys = append(kg.EntityKeys, name)
	return id
}

func (kg *KnowledgeGraph) getOrCreateRelation(name string) int64 {
	if id, ok := kg.RelationHash[name]; ok {
		return id
	}
	id := int64(len(kg.RelationKeys))
	kg.RelationHash[name] = id
	kg.RelationKeys = append(kg.RelationKeys, name)
	return id
}

// EntityCount returns the number of entities including the sentinel.
func (kg *KnowledgeGraph) EntityCount() int {
	return len(kg.EntityKeys)
}

// RelationCount returns the number of relations.
func (kg *KnowledgeGraph) RelationCount() int {
	return len(kg.RelationKeys)
}

// entitySampler returns the alias table over entity frequencies in the
// current triples, smoothed with the usual 0.75 power so frequent
// entities serve as negatives more often without drowning out the tail.
func (kg *KnowledgeGraph) entitySampler() *AliasTable {
	if kg.sampler == nil || kg.sampledTriples != len(kg.Triples) {
		freq := make([]float64, len(kg.EntityKeys))
		for _, t := range kg.Triples {
			freq[t.Head]++
			freq[t.Tail]++
		}
		kg.sampler = NewAliasTable(freq, 0.75)
		kg.sampledTriples = len(kg.Triples)
	}
	return kg.sampler
}

// SampleNegativeTail draws a frequency-smoothed entity that is not an
// observed tail for the triple's (head, relation). Gives up after a
// bounded number of retries rather than looping forever on dense
// relations.
func (kg *KnowledgeGraph) SampleNegativeTail(t Triple, rng *rand.Rand) int64 {
	seen := kg.observed[[2]int64{t.Head, t.Relation}]
	sampler := kg.entitySampler()
	for attempt := 0; attempt < 32; attempt++ {
		cand := sampler.Sample(rng)
		if cand > 0 && !seen[cand] {
			return cand
		}
	}
	n := int64(len(kg.EntityKeys))
	return 1 + rng.Int63n(n-1)
}

// SampleNegativeHead draws a frequency-smoothed entity to corrupt the
// head with.
func (kg *KnowledgeGraph) SampleNegativeHead(t Triple, rng *rand.Rand) int64 {
	sampler := kg.entitySampler()
	for attempt := 0; attempt < 32; attempt++ {
		cand := sampler.Sample(rng)
		if cand > 0 && cand != t.Head {
			return cand
		}
	}
	n := int64(len(kg.EntityKeys))
	return 1 + rng.Int63n(n-1)
}
