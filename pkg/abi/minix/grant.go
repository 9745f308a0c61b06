// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package minix contains the constants and types of the MINIX kernel-call ABI
// that are relevant to memory grants and safe mappings.
package minix

// Grant flags. Source: minix/include/minix/safecopies.h.
const (
	// CPF_READ grants read access.
	CPF_READ = 0x000001

	// CPF_WRITE grants write access.
	CPF_WRITE = 0x000002

	// CPF_MAP allows the target to establish a page mapping, not only a byte
	// copy.
	CPF_MAP = 0x000004

	// CPF_ACCMASK is the mask of all access bits.
	CPF_ACCMASK = CPF_READ | CPF_WRITE | CPF_MAP
)

// Grant kinds.
const (
	CPF_DIRECT   = 0x000200
	CPF_INDIRECT = 0x000400
)

// GRANT_INVALID is never a valid grant id.
const GRANT_INVALID = -1

// Endpoint magic values. Source: minix/include/minix/com.h.
const (
	// ANY is a wildcard target endpoint: any process may consume the grant.
	ANY = 0x7ace

	// NONE is an invalid endpoint.
	NONE = 0x6ace

	// SELF refers to the calling process.
	SELF = 0x8ace
)

// Endpoint encoding. Source: minix/include/minix/endpoint.h.
const (
	ENDPOINT_GENERATION_SHIFT = 15
	ENDPOINT_GENERATION_SIZE  = 1 << ENDPOINT_GENERATION_SHIFT
	ENDPOINT_SLOT_MASK        = ENDPOINT_GENERATION_SIZE - 1
)

// Memory segments accepted by sys_safemap and sys_safecopy*. Only the data
// segment is supported.
const (
	SEG_T = 0
	SEG_D = 1
	SEG_S = 2
)

// Default limits.
const (
	// NR_PROCS is the default number of process slots.
	NR_PROCS = 256

	// NR_GRANTS is the default per-process grant table capacity.
	NR_GRANTS = 1024

	// MAX_INDIRECT_DEPTH bounds the length of an indirect grant chain.
	MAX_INDIRECT_DEPTH = 5
)
