// Package rce is the control plane of the cloud engine: it places the
// containers of its users on machines and links the interfaces of their
// containers and robots together.
//
// ## How it works
//
// A `Master` owns a `network.Network`, the broker of the connections
// between endpoints, and a `placement.LoadBalancer`, which decides where
// containers run. Every user gets a `User` handle from the Master, all
// requests go through it and name things with tags:
//
// * containers and robots are *endpoints*, named by a tag unique per user,
// * interfaces are named `endpointTag/interfaceTag`.
//
// Creating a container returns as soon as it is placed. The container is
// provisioned in the background by a `Provisioner`, and the requests
// issued in the meantime are queued until its endpoint process is up.
// Robots are endpoints hosted by the master itself, driven by a remote
// client through a `robot.Session`.
//
// Connecting two interfaces of different endpoints establishes an
// authenticated channel between both endpoint processes, reused by every
// other link between them. Interfaces of the same endpoint are linked
// in-process.
//
// ## Failures
//
// Requests are validated synchronously: unknown or duplicate tags and
// incompatible interfaces are reported as `errdefs.ErrInvalidRequest`,
// placement failures as `errdefs.ErrMaxNumberExceeded` or
// `errdefs.ErrContainerProcess`. A container whose process dies is
// removed with everything attached to it.
package rce
