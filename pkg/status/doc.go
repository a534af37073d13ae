// Package status holds the lifecycle state machines of routable endpoints.
//
// Every Service and Network adapter owns exactly one Machine. Only the
// owner's controller calls To/Confirm; everyone else, the router included,
// reads through Current and Admission. Legal moves are listed in a
// transition table per machine kind, so a controller cannot skip a step of
// the startup chain and observers see every intermediate state.
package status
