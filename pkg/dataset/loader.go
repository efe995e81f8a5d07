package dataset

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/cnclabs/recbias/pkg/interaction"
)

// Mode tags an evaluation loader with its prediction mode.
type Mode int

const (
	// Pointwise loaders carry explicit (user, item, label) rows.
	Pointwise Mode = iota
	// FullSort loaders carry one row per user; the model scores every
	// candidate item for each row.
	FullSort
)

// Stream selects which training objective a batch feeds.
type Stream int

const (
	// StreamRec yields user-item interaction batches.
	StreamRec Stream = iota
	// StreamKG yields knowledge-graph triple batches with sampled
	// negatives.
	StreamKG
)

// TrainLoader produces shuffled training batches per epoch. Batch
// iteration is synchronous; the loader owns its rng so runs are
// reproducible under a fixed seed.
type TrainLoader struct {
	ratings   []Rating
	kg        *KnowledgeGraph
	batchSize int
	rng       *rand.Rand
}

// NewTrainLoader builds a loader over the given ratings.
func NewTrainLoader(ratings []Rating, batchSize int, rng *rand.Rand) (*TrainLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	return &TrainLoader{ratings: ratings, batchSize: batchSize, rng: rng}, nil
}

// SetKnowledgeGraph attaches a triple store so the loader can serve
// StreamKG batches.
func (l *TrainLoader) SetKnowledgeGraph(kg *KnowledgeGraph) {
	l.kg = kg
}

// Len returns the number of interaction rows.
func (l *TrainLoader) Len() int {
	return len(l.ratings)
}

// Batches returns one epoch of freshly shuffled batches for the stream.
func (l *TrainLoader) Batches(stream Stream) ([]*interaction.Batch, error) {
	switch stream {
	case StreamRec:
		return l.recBatches()
	case StreamKG:
		return l.kgBatches()
	default:
		return nil, fmt.Errorf("unknown stream %d", stream)
	}
}

func (l *TrainLoader) recBatches() ([]*interaction.Batch, error) {
	shuffled := make([]Rating, len(l.ratings))
	copy(shuffled, l.ratings)
	l.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var batches []*interaction.Batch
	for lo := 0; lo < len(shuffled); lo += l.batchSize {
		hi := lo + l.batchSize
		if hi > len(shuffled) {
			hi = len(shuffled)
		}
		chunk := shuffled[lo:hi]

		users := make([]int64, len(chunk))
		items := make([]int64, len(chunk))
		treat := make([]int64, len(chunk))
		labels := make([]float64, len(chunk))
		for i, r := range chunk {
			users[i] = r.User
			items[i] = r.Item
			treat[i] = r.Treatment
			labels[i] = r.Label
		}
		b, err := interaction.New(
			map[string][]float64{interaction.FieldLabel: labels},
			map[string][]int64{
				interaction.FieldUser:      users,
				interaction.FieldItem:      items,
				interaction.FieldTreatment: treat,
			},
		)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func (l *TrainLoader) kgBatches() ([]*interaction.Batch, error) {
	if l.kg == nil {
		return nil, fmt.Errorf("loader has no knowledge graph attached")
	}

	triples := make([]Triple, len(l.kg.Triples))
	copy(triples, l.kg.Triples)
	l.rng.Shuffle(len(triples), func(i, j int) {
		triples[i], triples[j] = triples[j], triples[i]
	})

	var batches []*interaction.Batch
	for lo := 0; lo < len(triples); lo += l.batchSize {
		hi := lo + l.batchSize
		if hi > len(triples) {
			hi = len(triples)
		}
		chunk := triples[lo:hi]

		heads := make([]int64, len(chunk))
		relations := make([]int64, len(chunk))
		tails := make([]int64, len(chunk))
		negHeads := make([]int64, len(chunk))
		negTails := make([]int64, len(chunk))
		for i, t := range chunk {
			heads[i] = t.Head
			relations[i] = t.Relation
			tails[i] = t.Tail
			negHeads[i] = l.kg.SampleNegativeHead(t, l.rng)
			negTails[i] = l.kg.SampleNegativeTail(t, l.rng)
		}
		b, err := interaction.New(nil, map[string][]int64{
			interaction.FieldHead:     heads,
			interaction.FieldRelation: relations,
			interaction.FieldTail:     tails,
			interaction.FieldNegHead:  negHeads,
			interaction.FieldNegTail:  negTails,
		})
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// Swap relocates a score within one row of a full-ranking score matrix:
// the After column receives the Before column's pre-swap value.
type Swap struct {
	Row    int
	Before int64
	After  int64
}

// FullSortBatch is one user-chunk of a full-ranking evaluation pass.
type FullSortBatch struct {
	// Interaction has a user_id column, one row per user, no item ids.
	Interaction *interaction.Batch
	Users       []int64

	// Training-history positions to mask, as aligned (row, column) pairs.
	HistoryRows []int
	HistoryCols []int64

	// Two independent swap-correction lists, applied in order.
	SwapsA []Swap
	SwapsB []Swap

	// Held-out positive items per row.
	PosItems [][]int64
}

// EvalLoader serves held-out data in either prediction mode.
type EvalLoader struct {
	mode      Mode
	batches   []*interaction.Batch
	full      []*FullSortBatch
	itemCount int
	length    int
}

// NewPointwiseEval batches held-out ratings for direct prediction.
// The pop column carries each row's item popularity.
func NewPointwiseEval(ds *Dataset, heldOut []Rating, batchSize int) (*EvalLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	pop := ds.Popularity()

	var batches []*interaction.Batch
	for lo := 0; lo < len(heldOut); lo += batchSize {
		hi := lo + batchSize
		if hi > len(heldOut) {
			hi = len(heldOut)
		}
		chunk := heldOut[lo:hi]

		users := make([]int64, len(chunk))
		items := make([]int64, len(chunk))
		labels := make([]float64, len(chunk))
		pops := make([]float64, len(chunk))
		for i, r := range chunk {
			users[i] = r.User
			items[i] = r.Item
			labels[i] = r.Label
			pops[i] = pop[r.Item]
		}
		b, err := interaction.New(
			map[string][]float64{
				interaction.FieldLabel: labels,
				interaction.FieldPop:   pops,
			},
			map[string][]int64{
				interaction.FieldUser: users,
				interaction.FieldItem: items,
			},
		)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return &EvalLoader{mode: Pointwise, batches: batches, length: len(heldOut)}, nil
}

// NewFullSortEval groups held-out ratings by user and chunks users into
// full-ranking batches. Each user's training history comes from ds.
func NewFullSortEval(ds *Dataset, heldOut []Rating, userChunk int) (*EvalLoader, error) {
	if userChunk <= 0 {
		return nil, fmt.Errorf("user chunk must be positive, got %d", userChunk)
	}

	posByUser := make(map[int64][]int64)
	for _, r := range heldOut {
		posByUser[r.User] = append(posByUser[r.User], r.Item)
	}
	users := make([]int64, 0, len(posByUser))
	for u := range posByUser {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	var full []*FullSortBatch
	for lo := 0; lo < len(users); lo += userChunk {
		hi := lo + userChunk
		if hi > len(users) {
			hi = len(users)
		}
		chunk := users[lo:hi]

		uids := make([]int64, len(chunk))
		copy(uids, chunk)
		b, err := interaction.New(nil, map[string][]int64{interaction.FieldUser: uids})
		if err != nil {
			return nil, err
		}

		fb := &FullSortBatch{
			Interaction: b,
			Users:       uids,
			PosItems:    make([][]int64, len(chunk)),
		}
		for row, u := range chunk {
			fb.PosItems[row] = posByUser[u]
			for _, item := range ds.History(u) {
				fb.HistoryRows = append(fb.HistoryRows, row)
				fb.HistoryCols = append(fb.HistoryCols, item)
			}
		}
		full = append(full, fb)
	}

	return &EvalLoader{
		mode:      FullSort,
		full:      full,
		itemCount: ds.ItemCount(),
		length:    len(users),
	}, nil
}

// Mode returns the loader's declared prediction mode.
func (l *EvalLoader) Mode() Mode {
	return l.mode
}

// Len returns the number of evaluation rows (interactions for pointwise,
// users for full-sort).
func (l *EvalLoader) Len() int {
	if l == nil {
		return 0
	}
	return l.length
}

// Batches returns the pointwise batches.
func (l *EvalLoader) Batches() []*interaction.Batch {
	return l.batches
}

// FullBatches returns the full-ranking batches.
func (l *EvalLoader) FullBatches() []*FullSortBatch {
	return l.full
}

// ItemCount returns the candidate-set width including the sentinel column.
func (l *EvalLoader) ItemCount() int {
	return l.itemCount
}

// ApplyColumnRemap records swap corrections for items whose candidate
// position changed between train-time and eval-time encodings. The same
// remap applies to every row; set selects the first or second swap list.
func (l *EvalLoader) ApplyColumnRemap(set int, remap map[int64]int64) error {
	if set != 0 && set != 1 {
		return fmt.Errorf("swap set must be 0 or 1, got %d", set)
	}
	cols := make([]int64, 0, len(remap))
	for before := range remap {
		cols = append(cols, before)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i] < cols[j] })

	for _, fb := range l.full {
		for row := range fb.Users {
			for _, before := range cols {
				swap := Swap{Row: row, Before: before, After: remap[before]}
				if set == 0 {
					fb.SwapsA = append(fb.SwapsA, swap)
				} else {
					fb.SwapsB = append(fb.SwapsB, swap)
				}
			}
		}
	}
	return nil
}
