// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the storage, config and cli
// packages.
//
//   - AtomicWriteFile, AtomicWriteFileWithDir: crash-safe file replacement
//     used for the file storage backend and the config file.
//   - TruncateDisplay, PadDisplay, DisplayWidth: column-aware text fitting
//     for CLI tables.
package util
