// Package opcuaserver hosts the simulated device on an OPC-UA server.
//
// New loads cert.pem/key.pem, enables the configured security policies
// (Basic256Sha256 Sign and SignAndEncrypt by default) plus username
// authentication, and builds the address space:
//
//	Objects
//	└── device                          (ns=N;s=device)
//	    ├── switch                      bool    read/write
//	    ├── temperature                 double  read
//	    ├── humidity                    double  read
//	    ├── temperature_threshold       double  read/write
//	    ├── humidity_threshold          double  read/write
//	    └── device_name                 string  read
//
// N is the index of the registered namespace URI. The node tree is a
// gopcua address space; secure channels and services run on the gopcua
// uacp and uasc layers in this package.
//
// ActivateSession decrypts the username token and checks it against
// Credentials. Every other service except discovery needs an activated
// session on the same channel. Client writes must carry the variable's
// data type and are refused on read-only variables.
//
// Subscriptions publish data changes for the device variables whenever
// the NodeStore is updated.
//
// The endpoint URL path (/freeopcua/server/) is informational: every path
// on host:port is served.
package opcuaserver
