package settler

import (
	"testing"

	"github.com/evolvechain/settler/internal/config"
	"github.com/evolvechain/settler/pkg/logger"
	"github.com/evolvechain/settler/pkg/offlineQueue"
	"github.com/evolvechain/settler/pkg/queueDrainer"
	"github.com/evolvechain/settler/pkg/rewardLedger"
	"github.com/evolvechain/settler/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
)

func Test_Settler(t *testing.T) {
	t.Run("Should shut down once no matter how many times it is asked", func(t *testing.T) {
		l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
		assert.Nil(t, err)

		store := memory.NewInMemoryStore()
		ledger := rewardLedger.NewRewardLedger(store, l)
		queue := offlineQueue.NewOfflineQueue(store, l)
		drainer := queueDrainer.NewQueueDrainer(&queueDrainer.QueueDrainerConfig{}, nil, queue, ledger, nil, nil, l)

		s := NewSettler(&config.Config{}, ledger, queue, nil, drainer, nil, nil, nil, l)

		// The first call closes the drainer. A second one, from the signal
		// handler or the shutdown channel, must return without touching it
		// again or the drainer's done channel would be closed twice.
		s.Shutdown()
		s.Shutdown()
	})
}
