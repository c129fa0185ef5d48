/*
go-particlescope is a back-pressure aware image analysis pipeline for
particle imaging instruments.

Images are acquired from a camera, a recording or a synthetic source and
published onto a set of typed channels (see Subjects).  A feed stage groups
them into batches which an inference client sends to a remote instance
segmentation server.  The returned masks are filtered, measured and
aggregated into area and ellipse distributions and trend points, while an
annotated preview of sampled frames is rendered.  When the inference server
falls behind, back-pressure is signalled upstream so that frames are dropped
or sources pause instead of queueing without bound.

Peripheral hardware such as sample pumps and the camera trigger controller
is driven from command channels, see the peripheral package.

See the example subdirectory for the command line application and a stand-in
inference server.
*/
package particlescope
