// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package flowlens

// Port taxonomy used by the dependency builder's direction heuristic and the
// classification feature extractor. The category tables are intentionally
// small: they list the ports that carry classification signal, not every
// registered service.

// IsWellKnownPort reports whether the port is in the IANA well-known range.
func IsWellKnownPort(port uint16) bool { return port <= 1023 }

// IsRegisteredPort reports whether the port is in the registered range.
func IsRegisteredPort(port uint16) bool { return port >= 1024 && port <= 32767 }

// IsEphemeralPort reports whether the port is in the dynamic/ephemeral range.
func IsEphemeralPort(port uint16) bool { return port >= 32768 }

// dbPorts covers the common relational and NoSQL listeners.
var dbPorts = map[uint16]bool{
	1433:  true, // mssql
	1521:  true, // oracle
	3306:  true, // mysql
	5432:  true, // postgres
	6379:  true, // redis
	9042:  true, // cassandra
	11211: true, // memcached
	27017: true, // mongodb
}

// storagePorts covers file/block/object storage protocols.
var storagePorts = map[uint16]bool{
	111:  true, // portmapper (nfs)
	445:  true, // smb
	860:  true, // iscsi
	2049: true, // nfs
	3260: true, // iscsi target
	9000: true, // s3-compatible (minio)
}

// webPorts covers HTTP(S) and common application front ends.
var webPorts = map[uint16]bool{
	80:   true,
	443:  true,
	8000: true,
	8080: true,
	8443: true,
}

// IsDatabasePort reports whether the port is a known database listener.
func IsDatabasePort(port uint16) bool { return dbPorts[port] }

// IsStoragePort reports whether the port is a known storage listener.
func IsStoragePort(port uint16) bool { return storagePorts[port] }

// IsWebPort reports whether the port is a known web listener.
func IsWebPort(port uint16) bool { return webPorts[port] }

// IsSSHPort reports whether the port is the SSH listener.
func IsSSHPort(port uint16) bool { return port == 22 }

// IsLikelyListeningPort reports whether dst looks like the service side of a
// flow: any well-known or registered category port, or simply the lower port
// when both are ephemeral. The dependency builder uses this to orient edges.
func IsLikelyListeningPort(dst, src uint16) bool {
	if IsWellKnownPort(dst) && !IsWellKnownPort(src) {
		return true
	}
	if IsWellKnownPort(src) && !IsWellKnownPort(dst) {
		return false
	}
	if dbPorts[dst] || storagePorts[dst] || webPorts[dst] || dst == 22 {
		return true
	}
	if dbPorts[src] || storagePorts[src] || webPorts[src] || src == 22 {
		return false
	}
	// Symmetric/ambiguous: tie-break on the lower port.
	return dst < src
}
