/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package experiment

import "encoding/json"

type pNodeUpdate struct {
	PNode float64 `json:"p_node"`
}

func pNodePayload(pNode float64) []byte {
	b, _ := json.Marshal(pNodeUpdate{PNode: pNode})
	return b
}

// DecodePNode reads a p_node update broadcast in an EXP_BEGIN frame's
// payload. Used by internal/follower to adopt the new Bernoulli
// probability.
func DecodePNode(payload []byte) (float64, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	var u pNodeUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return 0, false
	}
	return u.PNode, true
}
