package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElapsedSeconds(t *testing.T) {
	assert.Equal(t, int64(10), ElapsedSeconds(100, 110))
	assert.Equal(t, int64(0), ElapsedSeconds(100, 100))
	assert.Equal(t, int64(0), ElapsedSeconds(110, 100), "clock skew clamps to zero")
}

func TestFoldPlayer_MeanAndClearCount(t *testing.T) {
	elapsed := []int64{10, 25, 3, 0, 62, 17, 8}
	judges := []bool{true, false, true, false, false, true, true}

	var prev *PlayerCaseStat
	var sum int64
	var clears int64
	for i, e := range elapsed {
		sum += e
		if judges[i] {
			clears++
		}
		next := FoldPlayer(prev, Observation{UserID: "u1", CaseID: "c1", ElapsedSeconds: e, Judge: judges[i]})
		prev = &next

		n := int64(i + 1)
		assert.Equal(t, n, next.PlayCount)
		assert.InDelta(t, float64(sum)/float64(n), next.AvgTimeSeconds, 1e-9)
		assert.Equal(t, clears, next.ClearCount)
		assert.Equal(t, judges[i], next.Judge, "judge reflects the latest observation")
	}

	t.Logf("✅ 玩家平均时长=%.3f playCount=%d clearCount=%d", prev.AvgTimeSeconds, prev.PlayCount, prev.ClearCount)
}

func TestFoldPlayer_LatestTimesWin(t *testing.T) {
	first := FoldPlayer(nil, Observation{UserID: "u1", CaseID: "c1", StartLocal: "s1", EndLocal: "e1"})
	second := FoldPlayer(&first, Observation{UserID: "u1", CaseID: "c1", StartLocal: "s2", EndLocal: "e2"})

	assert.Equal(t, "s2", second.StartTime)
	assert.Equal(t, "e2", second.EndTime)
	assert.Equal(t, "u1", second.UID)
	assert.Equal(t, "c1", second.CaseID)
}

func TestFoldCase_CountsStayConsistent(t *testing.T) {
	elapsed := []int64{5, 7, 0, 40, 12, 12}
	judges := []bool{false, true, true, false, true, false}

	var prev *CaseStat
	var total int64
	for i, e := range elapsed {
		total += e
		next := FoldCase(prev, Observation{CaseID: "c9", ElapsedSeconds: e, Judge: judges[i]})
		prev = &next

		require.True(t, next.Consistent(), "trueCount+falseCount must equal playCount")
		assert.Equal(t, total, next.TotalTimeSeconds)
		assert.InDelta(t, float64(next.TotalTimeSeconds), next.AvgTimeSeconds*float64(next.PlayCount), 1e-9)
	}

	assert.Equal(t, int64(3), prev.TrueCount)
	assert.Equal(t, int64(3), prev.FalseCount)
	assert.InDelta(t, 0.5, prev.TrueRate(), 1e-9)
}

func TestRates_ZeroPlays(t *testing.T) {
	assert.Zero(t, PlayerCaseStat{}.ClearRate())
	assert.Zero(t, CaseStat{}.TrueRate())
	assert.True(t, CaseStat{}.Consistent())
}
