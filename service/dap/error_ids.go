package dap

// Unique identifiers for messages returned for errors from requests.
// These values are not mandated by DAP (other than the uniqueness
// requirement), so each implementation is free to choose their own.
const (
	UnsupportedCommand int = 9999
	InternalError      int = 8888
	NotYetImplemented  int = 7777

	// Where applicable and for consistency only,
	// values below are inspired by the vscode debug adaptors.
	FailedToLaunch             = 3000
	FailedToAttach             = 3001
	UnableToDisplayThreads     = 2003
	UnableToProduceStackTrace  = 2004
	UnableToListLocals         = 2005
	UnableToListArgs           = 2006
	UnableToListGlobals        = 2007
	UnableToLookupVariable     = 2008
	UnableToEvaluateExpression = 2009
	UnableToContinue           = 2010
	UnableToStep               = 2011
	UnableToPause              = 2012
	UnableToSetBreakpoints     = 2013
	UnableToSetExceptions      = 2014
	UnableToSetVariable        = 2015
	UnableToReadMemory         = 2016
	TargetNotStopped           = 2017
	InvalidFrame               = 2018
	NoSourceSupport            = 2019
)
