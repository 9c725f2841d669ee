// Package web3 defines the remote ledger collaborator used by the automation
// core: the Ledger interface, explicit signer values, fee parameters, token
// unit helpers, and named chain definitions loaded from YAML.
package web3
