/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package consensus

// weightEpsilon guards the SNR-span denominator against division by
// zero when every observed SNR is identical.
const weightEpsilon = 1e-6

// weightPerturbation breaks exact ties in the weighted vote at even n.
// Do not tune this for a different SNR span without re-deriving the
// tie-break behavior.
const weightPerturbation = 0.001

// selfSNRBonus is added to the leader's own effective SNR so its
// self-weight is always computed from a value at least as good as the
// best follower it hears from.
const selfSNRBonus = 2.0

// CommitResult is the outcome of applying the weighted-majority commit
// rule to one round's votes.
type CommitResult struct {
	Committed     bool
	WeightedYes   float64
	WeightedTotal float64
	NEff          int
}

// WeightedCommit applies the weighted-majority commit rule to one
// round's votes.
//
// S is the set of voters with id <= nTarget; the leader always counts
// itself as a member of S even when its id falls outside that range.
// Each voter's weight is
//
//	w_i = 1 + 0.001 * (snr_i - snr_min) / max(snr_max - snr_min, eps)
//
// where snr_i is the voter's entry in followerSNRs (the leader's
// peer-table EWMA), or the SNR reported in its vote when followerSNRs
// has no entry for it, with snr_min/snr_max taken over every SNR value
// participating in this
// round (including the leader's own, synthesized as
// max(follower snrs) + 2.0 dB). W_yes sums the weights of voters in S
// with Granted=true; W_tot sums the weights of every voter in S that
// voted within the deadline (missing votes are excluded entirely, not
// counted as "no"). The round commits iff W_yes > W_tot/2; if W_tot is
// zero, the round is uncommitted by definition.
//
// The leader's own vote is never transmitted on the wire, so it has to
// be synthesized here rather than read off votes. It substitutes for a
// missing real vote, not added on top of one: membership in S by the
// id <= nTarget rule always synthesizes the leader's yes vote (it is
// naturally part of the round being counted), but when the leader's
// membership is only due to the "always counts itself" override, the
// synthesized vote backs off once any real voter already occupies S,
// so it never pads a quorum that real votes already decided. A
// completely silent round (no votes received at all) never synthesizes
// anything and stays uncommitted, matching an entirely unresponsive
// channel rather than a lone self-vote always carrying the round.
func WeightedCommit(votes []VoteRecord, nTarget int, selfID int, followerSNRs map[int]float64) CommitResult {
	inS := make(map[int]bool)
	for id := 1; id <= nTarget; id++ {
		inS[id] = true
	}
	inS[selfID] = true
	selfNaturallyInS := selfID <= nTarget

	type participant struct {
		id      int
		snr     float64
		granted bool
	}
	var parts []participant

	maxFollowerSNR := 0.0
	haveFollower := false
	for id, snr := range followerSNRs {
		if !inS[id] {
			continue
		}
		if !haveFollower || snr > maxFollowerSNR {
			maxFollowerSNR = snr
			haveFollower = true
		}
	}
	selfSNR := maxFollowerSNR + selfSNRBonus
	if !haveFollower {
		selfSNR = selfSNRBonus
	}

	seen := make(map[int]bool)
	for _, v := range votes {
		if !inS[v.Voter] || seen[v.Voter] {
			continue
		}
		seen[v.Voter] = true
		snr := v.ObservedSNRDb
		if s, ok := followerSNRs[v.Voter]; ok {
			snr = s
		}
		parts = append(parts, participant{id: v.Voter, snr: snr, granted: v.Granted})
	}
	if len(votes) > 0 && inS[selfID] && !seen[selfID] && (selfNaturallyInS || len(parts) == 0) {
		parts = append(parts, participant{id: selfID, snr: selfSNR, granted: true})
	}

	if len(parts) == 0 {
		return CommitResult{}
	}

	snrMin, snrMax := parts[0].snr, parts[0].snr
	for _, p := range parts[1:] {
		if p.snr < snrMin {
			snrMin = p.snr
		}
		if p.snr > snrMax {
			snrMax = p.snr
		}
	}
	span := snrMax - snrMin
	if span < weightEpsilon {
		span = weightEpsilon
	}

	var wYes, wTotal float64
	for _, p := range parts {
		w := 1 + weightPerturbation*(p.snr-snrMin)/span
		wTotal += w
		if p.granted {
			wYes += w
		}
	}

	result := CommitResult{WeightedYes: wYes, WeightedTotal: wTotal, NEff: len(parts)}
	if wTotal > 0 {
		result.Committed = wYes > wTotal/2
	}
	return result
}
