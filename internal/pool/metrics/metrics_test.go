// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/asch/bspool/internal/pool/phys"
)

func TestUpdate(t *testing.T) {
	Update(phys.PoolStatsPhys{
		BlocksCount:       12,
		BlocksBytes:       34,
		PendingFreesCount: 5,
		PendingFreesBytes: 6,
		ObjectsCount:      7,
	})

	require.Equal(t, float64(12), testutil.ToFloat64(blocksCount))
	require.Equal(t, float64(34), testutil.ToFloat64(blocksBytes))
	require.Equal(t, float64(5), testutil.ToFloat64(pendingFreesCount))
	require.Equal(t, float64(6), testutil.ToFloat64(pendingFreesBytes))
	require.Equal(t, float64(7), testutil.ToFloat64(objectsCount))
}
