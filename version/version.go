// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package version

// QuotaMgrVersion is reported by the daemon at startup and served by the
// HTTP debug endpoint. Update it as part of cutting a release.
const QuotaMgrVersion = "1.0.0"
