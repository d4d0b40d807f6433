// Package web3 anchors audit digests on a ledger. LocalAnchor keeps an
// in-process hash chain for deployments without a node; the ethereum
// subpackage signs and sends one transaction per digest to an EVM chain, and
// provider builds anchors from YAML chain definitions.
package web3
