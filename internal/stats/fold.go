package stats

// ElapsedSeconds 计算游玩时长，时钟回拨导致的负值按0处理
func ElapsedSeconds(startEpoch, endEpoch int64) int64 {
	if endEpoch < startEpoch {
		return 0
	}
	return endEpoch - startEpoch
}

// FoldPlayer 把一次观测并入玩家统计
//
// 平均值用增量公式 (oldAvg*oldCount + elapsed) / (oldCount+1) 维护。
func FoldPlayer(prev *PlayerCaseStat, obs Observation) PlayerCaseStat {
	var oldCount, oldClear int64
	var oldAvg float64
	if prev != nil {
		oldCount = prev.PlayCount
		oldAvg = prev.AvgTimeSeconds
		oldClear = prev.ClearCount
	}

	newCount := oldCount + 1
	newAvg := (oldAvg*float64(oldCount) + float64(obs.ElapsedSeconds)) / float64(newCount)

	newClear := oldClear
	if obs.Judge {
		newClear++
	}

	return PlayerCaseStat{
		UID:            obs.UserID,
		CaseID:         obs.CaseID,
		StartTime:      obs.StartLocal,
		EndTime:        obs.EndLocal,
		Judge:          obs.Judge,
		AvgTimeSeconds: newAvg,
		PlayCount:      newCount,
		ClearCount:     newClear,
	}
}

// FoldCase 把一次观测并入case全局统计
//
// 保留累计总时长，平均值每次由 total/count 重新计算。
func FoldCase(prev *CaseStat, obs Observation) CaseStat {
	next := CaseStat{CaseID: obs.CaseID}
	if prev != nil {
		next.PlayCount = prev.PlayCount
		next.TotalTimeSeconds = prev.TotalTimeSeconds
		next.TrueCount = prev.TrueCount
		next.FalseCount = prev.FalseCount
	}

	next.PlayCount++
	next.TotalTimeSeconds += obs.ElapsedSeconds
	next.AvgTimeSeconds = float64(next.TotalTimeSeconds) / float64(next.PlayCount)

	if obs.Judge {
		next.TrueCount++
	} else {
		next.FalseCount++
	}
	return next
}

// ClearRate 通关率
func (p PlayerCaseStat) ClearRate() float64 {
	if p.PlayCount == 0 {
		return 0
	}
	return float64(p.ClearCount) / float64(p.PlayCount)
}

// TrueRate 判定为true的比例
func (c CaseStat) TrueRate() float64 {
	if c.PlayCount == 0 {
		return 0
	}
	return float64(c.TrueCount) / float64(c.PlayCount)
}

// Consistent 检查 trueCount+falseCount==playCount
func (c CaseStat) Consistent() bool {
	return c.TrueCount+c.FalseCount == c.PlayCount
}
