// Package dataset loads user-item rating data and knowledge-graph triples
// and exposes batch loaders for training and evaluation.
//
// Inner ids are dense and 1-based: id 0 is reserved for the padding
// sentinel in both the user and item spaces, so full-ranking score
// matrices can mask column 0 unconditionally.
package dataset

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Rating is a single observed user-item interaction. Treatment marks
// rows drawn from a uniform-exposure (unbiased) log; debiasing models
// route them to a separate embedding table.
type Rating struct {
	User      int64
	Item      int64
	Label     float64
	Treatment int64
}

// Dataset holds interned interactions plus the statistics derived from
// them (popularity table, per-user history). The statistics reflect
// whichever rating subset was last passed to Rebuild, so evaluation
// never masks or weighs by held-out interactions.
type Dataset struct {
	UserHash map[string]int64
	UserKeys []string
	ItemHash map[string]int64
	ItemKeys []string

	Ratings []Rating

	popularity  []float64
	userHistory map[int64][]int64
}

// New returns an empty dataset with the sentinel user and item interned.
func New() *Dataset {
	return &Dataset{
		UserHash:    make(map[string]int64),
		UserKeys:    []string{"[PAD]"},
		ItemHash:    make(map[string]int64),
		ItemKeys:    []string{"[PAD]"},
		userHistory: make(map[int64][]int64),
	}
}

// Load reads whitespace-separated "user item rating" lines from filename.
// Lines with fewer than three fields are skipped; unparsable ratings are
// skipped with a warning.
func Load(filename string, logger *zap.Logger) (*Dataset, error) {
	ds := New()
	if err := ds.LoadFile(filename, 0, logger); err != nil {
		return nil, err
	}
	ds.rebuild(ds.Ratings)
	return ds, nil
}

// LoadFile appends interactions from filename into the dataset's
// existing id space, tagging every row with the given treatment flag.
// Callers must Rebuild afterwards.
func (ds *Dataset) LoadFile(filename string, treatment int64, logger *zap.Logger) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := int64(0)
	added := 0

	for scanner.Scan() {
		lineNo++
		parts := strings.Fields(scanner.Text())
		if len(parts) < 3 {
			continue
		}

		label, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			logger.Warn("invalid rating, skipping line",
				zap.String("file", filename),
				zap.Int64("line", lineNo))
			continue
		}

		ds.Add(parts[0], parts[1], label)
		ds.Ratings[len(ds.Ratings)-1].Treatment = treatment
		added++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading %s: %w", filename, err)
	}

	logger.Info("interactions loaded",
		zap.String("file", filename),
		zap.Int64("treatment", treatment),
		zap.Int("interactions", added))
	return nil
}

// Add interns the user and item names and records the interaction.
// Callers that Add directly must call Rebuild before using the
// popularity table or history index.
func (ds *Dataset) Add(user, item string, label float64) {
	uid := ds.getOrCreateUser(user)
	iid := ds.getOrCreateItem(item)
	ds.Ratings = append(ds.Ratings, Rating{User: uid, Item: iid, Label: label})
}

// Rebuild recomputes the popularity table and per-user history from the
// given ratings. After splitting, callers rebuild from the train subset
// so evaluation masks only training-history positions and popularity
// carries no held-out counts.
func (ds *Dataset) Rebuild(ratings []Rating) {
	ds.rebuild(ratings)
}

func (ds *Dataset) rebuild(ratings []Rating) {
	ds.popularity = make([]float64, len(ds.ItemKeys))
	ds.userHistory = make(map[int64][]int64, len(ds.UserKeys))
	for _, r := range ratings {
		ds.popularity[r.Item]++
		ds.userHistory[r.User] = append(ds.userHistory[r.User], r.Item)
	}
}

func (ds *Dataset) getOrCreateUser(name string) int64 {
	if uid, ok := ds.UserHash[name]; ok {
		return uid
	}
	uid := int64(len(ds.UserKeys))
	ds.UserHash[name] = uid
	ds.UserKeys = append(ds.UserKeys, name)
	return uid
}

func (ds *Dataset) getOrCreateItem(name string) int64 {
	if iid, ok := ds.ItemHash[name]; ok {
		return iid
	}
	iid := int64(len(ds.ItemKeys))
	ds.ItemHash[name] = iid
	ds.ItemKeys = append(ds.ItemKeys, name)
	return iid
}

// UserCount returns the number of users including the padding sentinel.
func (ds *Dataset) UserCount() int {
	return len(ds.UserKeys)
}

// ItemCount returns the number of items including the padding sentinel.
func (ds *Dataset) ItemCount() int {
	return len(ds.ItemKeys)
}

// Popularity returns the item popularity table, indexed by inner item id.
// The table is read-only during training and evaluation.
func (ds *Dataset) Popularity() []float64 {
	return ds.popularity
}

// History returns the inner item ids the user interacted with.
func (ds *Dataset) History(user int64) []int64 {
	return ds.userHistory[user]
}

// UserName and ItemName map inner ids back to their external names.
func (ds *Dataset) UserName(uid int64) string {
	if uid < 0 || uid >= int64(len(ds.UserKeys)) {
		return ""
	}
	return ds.UserKeys[uid]
}

func (ds *Dataset) ItemName(iid int64) string {
	if iid < 0 || iid >= int64(len(ds.ItemKeys)) {
		return ""
	}
	return ds.ItemKeys[iid]
}

// Split partitions the ratings into train/valid/test subsets by the given
// ratios. trainRatio+validRatio must be at most 1; the remainder becomes
// the test subset. The shuffle uses the supplied rng so runs are
// reproducible under a fixed seed.
func (ds *Dataset) Split(trainRatio, validRatio float64, rng *rand.Rand) (train, valid, test []Rating, err error) {
	if trainRatio < 0 || validRatio < 0 || trainRatio+validRatio > 1 {
		return nil, nil, nil, fmt.Errorf("invalid split ratios %.2f/%.2f", trainRatio, validRatio)
	}

	shuffled := make([]Rating, len(ds.Ratings))
	copy(shuffled, ds.Ratings)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	nTrain := int(float64(len(shuffled)) * trainRatio)
	nValid := int(float64(len(shuffled)) * validRatio)
	train = shuffled[:nTrain]
	valid = shuffled[nTrain : nTrain+nValid]
	test = shuffled[nTrain+nValid:]
	return train, valid, test, nil
}
