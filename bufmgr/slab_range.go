package bufmgr

import (
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pipebuffer/pb"
)

// SlabRangeManager routes each request to the SlabManager with the smallest buffer size that can
// hold it. Bucket sizes double from minBufSize until they reach maxBufSize. Requests larger than
// the biggest bucket go straight to the provider.
type SlabRangeManager struct {
	logger   *slog.Logger
	provider pb.Manager

	bucketSizes []int
	buckets     []*SlabManager
}

var _ pb.Manager = &SlabRangeManager{}

// NewSlabRangeManager creates the buckets for [minBufSize, maxBufSize]. The manager owns provider
// and destroys it when it is destroyed.
func NewSlabRangeManager(logger *slog.Logger, provider pb.Manager, minBufSize int, maxBufSize int, desc pb.Desc, options SlabOptions) (*SlabRangeManager, error) {
	if provider == nil {
		return nil, errors.Wrap(pb.ErrBadInput, "slab range manager requires a provider")
	}
	if minBufSize <= 0 || maxBufSize < minBufSize {
		return nil, errors.Wrapf(pb.ErrBadInput, "invalid slab range [%d, %d]", minBufSize, maxBufSize)
	}

	logger = defaultLogger(logger)
	mgr := &SlabRangeManager{
		logger:   logger,
		provider: provider,
	}

	bufSize := minBufSize
	for {
		bucket, err := newSlabManager(logger, provider, bufSize, desc, options)
		if err != nil {
			for _, created := range mgr.buckets {
				created.Destroy()
			}
			return nil, err
		}

		mgr.bucketSizes = append(mgr.bucketSizes, bufSize)
		mgr.buckets = append(mgr.buckets, bucket)

		if bufSize >= maxBufSize {
			break
		}
		bufSize *= 2
	}

	return mgr, nil
}

// BucketSizes returns the buffer size of each bucket in ascending order
func (m *SlabRangeManager) BucketSizes() []int {
	sizes := make([]int, len(m.bucketSizes))
	copy(sizes, m.bucketSizes)
	return sizes
}

// Bucket returns the slab manager that serves the bucket at index
func (m *SlabRangeManager) Bucket(index int) *SlabManager {
	return m.buckets[index]
}

func (m *SlabRangeManager) CreateBuffer(size int, desc pb.Desc) (pb.Buffer, error) {
	for i, bucketSize := range m.bucketSizes {
		if size <= bucketSize {
			return m.buckets[i].CreateBuffer(size, desc)
		}
	}

	return m.provider.CreateBuffer(size, desc)
}

func (m *SlabRangeManager) Flush() {
	for _, bucket := range m.buckets {
		bucket.Flush()
	}

	m.provider.Flush()
}

func (m *SlabRangeManager) Destroy() {
	for _, bucket := range m.buckets {
		bucket.Destroy()
	}

	m.provider.Destroy()
}

func (m *SlabRangeManager) AddStatistics(stats *pb.Statistics) {
	for _, bucket := range m.buckets {
		bucket.AddStatistics(stats)
	}
}

func (m *SlabRangeManager) PrintDetailedMap(json *jwriter.ObjectState) {
	bucketsObj := json.Name("Buckets").Object()
	defer bucketsObj.End()

	for i, bucket := range m.buckets {
		bucketObj := bucketsObj.Name(strconv.Itoa(m.bucketSizes[i])).Object()
		bucket.PrintDetailedMap(&bucketObj)
		bucketObj.End()
	}
}

// BuildStatsString returns the manager's detailed map as a JSON document
func (m *SlabRangeManager) BuildStatsString() string {
	return buildStatsString(m)
}
