/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package consensus

import "encoding/json"

type voteGrant struct {
	Granted bool `json:"granted"`
}

type ackGrant struct {
	Granted bool    `json:"granted"`
	SNRDb   float64 `json:"snr_db"`
}

func voteGrantedPayload(granted bool) []byte {
	b, _ := json.Marshal(voteGrant{Granted: granted})
	return b
}

func decodeGrantedPayload(payload []byte) bool {
	var v voteGrant
	_ = json.Unmarshal(payload, &v)
	return v.Granted
}

func ackPayload(granted bool, snrDb float64) []byte {
	b, _ := json.Marshal(ackGrant{Granted: granted, SNRDb: snrDb})
	return b
}

func decodeAckPayload(payload []byte) (bool, float64) {
	var a ackGrant
	_ = json.Unmarshal(payload, &a)
	return a.Granted, a.SNRDb
}
