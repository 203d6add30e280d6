// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package memalloc_test

// raceEnabled is true when the race detector is active. The concurrent
// stress test trims its iteration count under race mode, where
// instrumentation overhead makes the full sweep too slow.
const raceEnabled = true
